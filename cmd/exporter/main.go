package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/avlokan/internal/app"
	"github.com/shrimpsizemoose/avlokan/internal/export"
)

func main() {
	var (
		configPath = flag.String("config", "config.toml", "Path to config file")
		subjectID  = flag.String("subject", "", "Subject id to export")
		outPath    = flag.String("out", "", "Output file, defaults to subject-<id>.xlsx")
		timeout    = flag.Duration("timeout", time.Minute, "Query timeout")
	)
	flag.Parse()

	if *subjectID == "" {
		logger.Error.Fatalf("-subject is required")
	}
	if *outPath == "" {
		*outPath = fmt.Sprintf("subject-%s.xlsx", *subjectID)
	}

	if err := godotenv.Load(); err != nil {
		logger.Debug.Printf("No .env file loaded: %v", err)
	}

	config, err := app.LoadConfig(*configPath)
	if err != nil {
		logger.Error.Fatalf("Failed to load config: %v", err)
	}

	st, err := app.NewStore(config.Database.DSN, config.Database.MigrationsDir)
	if err != nil {
		logger.Error.Fatalf("Failed to init store: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	buf, err := export.NewReporter(st).SubjectReport(ctx, *subjectID)
	if err != nil {
		logger.Error.Fatalf("Failed to build report: %v", err)
	}

	if err := os.WriteFile(*outPath, buf.Bytes(), 0o644); err != nil {
		logger.Error.Fatalf("Failed to write %s: %v", *outPath, err)
	}
	logger.Info.Printf("Wrote %s", *outPath)
}
