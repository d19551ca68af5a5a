package utils

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

// TestLoggingHandler tests the LoggingHandler middleware.
// Verifies expected logs are emitted at request start and completion.
func TestLoggingHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	originalLogger := slog.Default()
	slog.SetDefault(logger)
	defer slog.SetDefault(originalLogger)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	handlerToTest := LoggingHandler(testHandler)

	req := httptest.NewRequest("GET", "/test-path", nil)
	rr := httptest.NewRecorder()

	handlerToTest.ServeHTTP(rr, req)

	logOutput := buf.String()

	if !strings.Contains(logOutput, "request started") || !strings.Contains(logOutput, "method=GET") || !strings.Contains(logOutput, "path=/test-path") {
		t.Errorf("Start log not as expected. got=%q", logOutput)
	}

	if !strings.Contains(logOutput, "request completed") || !strings.Contains(logOutput, "duration=") {
		t.Errorf("Completion log not as expected. got=%q", logOutput)
	}
}

func TestChoose(t *testing.T) {
	testCases := []struct {
		name     string
		s        string
		fallback string
		expected string
	}{
		{"s is non-empty", "hello", "world", "hello"},
		{"s is empty", "", "world", "world"},
		{"s is whitespace only", "   ", "world", "world"},
		{"both non-empty", "hello", "world", "hello"},
		{"both empty", "", "", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			actual := Choose(tc.s, tc.fallback)
			if actual != tc.expected {
				t.Errorf("Result differs. got=%q, want=%q", actual, tc.expected)
			}
		})
	}
}

func TestChooseInt(t *testing.T) {
	testCases := []struct {
		name     string
		i        int
		fallback int
		expected int
	}{
		{"i is non-zero", 10, 20, 10},
		{"i is zero", 0, 20, 20},
		{"both non-zero", 10, 20, 10},
		{"both zero", 0, 0, 0},
		{"i is negative", -5, 10, -5},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			actual := ChooseInt(tc.i, tc.fallback)
			if actual != tc.expected {
				t.Errorf("Result differs. got=%d, want=%d", actual, tc.expected)
			}
		})
	}
}

func TestHeadN(t *testing.T) {
	testCases := []struct {
		name     string
		s        []int
		n        int
		expected []int
	}{
		{"n less than length", []int{1, 2, 3, 4, 5}, 3, []int{1, 2, 3}},
		{"n equals length", []int{1, 2, 3}, 3, []int{1, 2, 3}},
		{"n greater than length", []int{1, 2}, 5, []int{1, 2}},
		{"n is 0", []int{1, 2, 3}, 0, []int{}},
		{"slice is empty", []int{}, 5, []int{}},
		{"n is negative", []int{1, 2, 3}, -1, []int{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := tc.n
			if n < 0 {
				n = 0
			}
			expected := tc.s
			if len(tc.s) > n {
				expected = tc.s[:n]
			}

			actual := HeadN(tc.s, tc.n)
			if !reflect.DeepEqual(actual, expected) {
				t.Errorf("Result differs. got=%v, want=%v", actual, expected)
			}
		})
	}
}
