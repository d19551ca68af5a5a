package config

import (
	"os"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Run("Environment variable is set", func(t *testing.T) {
		testKey := "TEST_ENV_VAR"
		expectedValue := "test_value"
		os.Setenv(testKey, expectedValue)
		defer os.Unsetenv(testKey)

		actualValue := GetEnv(testKey, "default")
		if actualValue != expectedValue {
			t.Errorf("Expected %s, Actual %s", expectedValue, actualValue)
		}
	})

	t.Run("Environment variable is not set", func(t *testing.T) {
		testKey := "NON_EXISTENT_VAR"
		defaultValue := "default_value"

		actualValue := GetEnv(testKey, defaultValue)
		if actualValue != defaultValue {
			t.Errorf("Expected %s, Actual %s", defaultValue, actualValue)
		}
	})
}

func TestGetEnvInt(t *testing.T) {
	os.Setenv("TEST_INT_VAR", "42")
	defer os.Unsetenv("TEST_INT_VAR")
	if v := GetEnvInt("TEST_INT_VAR", 7); v != 42 {
		t.Errorf("Expected 42, Actual %d", v)
	}
	if v := GetEnvInt("NON_EXISTENT_INT_VAR", 7); v != 7 {
		t.Errorf("Expected default 7, Actual %d", v)
	}
	os.Setenv("TEST_INT_VAR_BAD", "not-a-number")
	defer os.Unsetenv("TEST_INT_VAR_BAD")
	if v := GetEnvInt("TEST_INT_VAR_BAD", 9); v != 9 {
		t.Errorf("Expected fallback 9 on parse error, Actual %d", v)
	}
}

func TestGetEnvDuration(t *testing.T) {
	os.Setenv("TEST_DURATION_VAR", "2.5")
	defer os.Unsetenv("TEST_DURATION_VAR")
	got := GetEnvDuration("TEST_DURATION_VAR", time.Second)
	want := 2500 * time.Millisecond
	if got != want {
		t.Errorf("Expected %v, Actual %v", want, got)
	}
}

func TestGetEnvCSV(t *testing.T) {
	os.Setenv("TEST_CSV_VAR", "a, b ,,c")
	defer os.Unsetenv("TEST_CSV_VAR")
	got := GetEnvCSV("TEST_CSV_VAR", "")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, Actual %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, Actual %v", want, got)
		}
	}
}

func TestResolveTimezoneOffset(t *testing.T) {
	cases := map[string]string{
		"UTC":         "+00:00",
		"Asia/Seoul":  "+09:00",
		"Asia/Tokyo":  "+09:00",
		"Europe/Paris": "+00:00", // unmapped -> UTC fallback, not +09:00
		"":            "+00:00",
	}
	for name, want := range cases {
		if got := ResolveTimezoneOffset(name); got != want {
			t.Errorf("ResolveTimezoneOffset(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("APP_TIMEZONE")
	os.Unsetenv("LLM_ENDPOINTS")
	s := Load()
	if s.AppTimezone != "UTC" {
		t.Errorf("Expected default timezone UTC, Actual %s", s.AppTimezone)
	}
	if len(s.LLM.Endpoints) != 1 || s.LLM.Endpoints[0] != "http://localhost:8000" {
		t.Errorf("Expected default single endpoint, Actual %v", s.LLM.Endpoints)
	}
	if s.PEG.ExcludeZeroBothPEG != true {
		t.Errorf("Expected ExcludeZeroBothPEG default true")
	}
}
