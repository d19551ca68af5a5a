package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"peg-analysis-go/internal/analysis"
	"peg-analysis-go/internal/config"
	"peg-analysis-go/internal/pegrepo"
)

var (
	host       = flag.String("host", "0.0.0.0", "host to listen on")
	port       = flag.Int("port", 9000, "port number to listen on")
	promptPath = flag.String("prompt", "prompts/analysis.tmpl", "path to the LLM prompt template")
	table      = flag.String("table", "", "PEG data table name (overrides PEG_TABLE env)")
)

func main() {
	// --- Setup Logger ---
	logLevel := new(slog.LevelVar)
	levelStr := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	switch levelStr {
	case "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "INFO":
		logLevel.Set(slog.LevelInfo)
	case "WARN":
		logLevel.Set(slog.LevelWarn)
	case "ERROR":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo) // Default LogLevel is INFO
	}

	// Custom attribute replacement function
	replaceAttr := func(groups []string, a slog.Attr) slog.Attr {
		// If the value is a string and contains newlines
		if a.Value.Kind() == slog.KindString && strings.Contains(a.Value.String(), "\n") {
			lines := strings.Split(a.Value.String(), "\n")
			// Format multi-line strings as a slog.Group
			var groupAttrs []slog.Attr
			for i, line := range lines {
				// Skip empty lines in the log
				if strings.TrimSpace(line) != "" {
					groupAttrs = append(groupAttrs, slog.String(fmt.Sprintf("line%02d", i+1), line))
				}
			}

			// Convert []slog.Attr to []any
			anyAttrs := make([]any, len(groupAttrs))
			for i, attr := range groupAttrs {
				anyAttrs[i] = attr
			}

			return slog.Group(a.Key, anyAttrs...)
		}
		return a
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       logLevel,
		ReplaceAttr: replaceAttr,
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
	slog.SetDefault(logger)
	// --- Setup complete ---

	out := flag.CommandLine.Output()
	flag.Usage = func() {
		fmt.Fprintf(out, "Usage: %s [-port <port>] [-host <host>] [-table <table>] [-prompt <path>]\n\n", os.Args[0])
		fmt.Fprintf(out, "Runs the PEG counter analysis service as a JSON HTTP endpoint.\n\n")
		fmt.Fprintf(out, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(out, "\nExample:\n")
		fmt.Fprintf(out, " %s -port 9000 -host 0.0.0.0\n", os.Args[0])
	}
	flag.Parse()

	settings := config.Load()

	tableName := *table
	if tableName == "" {
		tableName = config.GetEnv("PEG_TABLE", "summary")
	}

	tableCfg := pegrepo.TableConfig{
		Table:     tableName,
		TimeCol:   config.GetEnv("PEG_TABLE_TIME_COL", "datetime"),
		FamilyCol: config.GetEnv("PEG_TABLE_FAMILY_COL", "family_name"),
		ValuesCol: config.GetEnv("PEG_TABLE_VALUES_COL", "values"),
		NECol:     config.GetEnv("PEG_TABLE_NE_COL", "ne"),
		SWNameCol: config.GetEnv("PEG_TABLE_SWNAME_COL", "swname"),
		RelVerCol: config.GetEnv("PEG_TABLE_RELVER_COL", "rel_ver"),
	}

	ctx := context.Background()
	state, err := analysis.NewState(ctx, settings, tableCfg, *promptPath, logger)
	if err != nil {
		logger.Error("failed to initialize analysis service", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", *host, *port)
	analysis.Run(addr, state)
}
