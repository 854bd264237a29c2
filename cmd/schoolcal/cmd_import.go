package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"schoolcal/internal/app"
	"schoolcal/internal/dataset"
	"schoolcal/internal/pipeline"
	"schoolcal/internal/schoolyear"
)

var importFlags struct {
	member      string
	name        string
	file        string
	weekStart   string
	date        string
	sourceImage string
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Materialize a generated response for one member",
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readInput(cmd.InOrStdin(), importFlags.file)
		if err != nil {
			return err
		}
		weekStart, err := flagDate("week-start", importFlags.weekStart)
		if err != nil {
			return err
		}
		anchor, err := flagDate("date", importFlags.date)
		if err != nil {
			return err
		}
		sourceImage := importFlags.sourceImage
		if sourceImage == "" && importFlags.file != "-" {
			sourceImage = filepath.Base(importFlags.file)
		}

		application, err := app.New(cfg, logger)
		if err != nil {
			return err
		}
		defer application.Close()

		res, err := application.Import(cmd.Context(), pipeline.ImportRequest{
			MemberID:    importFlags.member,
			MemberName:  importFlags.name,
			Text:        text,
			AnchorDate:  anchor,
			WeekStart:   weekStart,
			SourceImage: sourceImage,
			Source:      "cli",
		})
		if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
			return werr
		}
		return err
	},
}

var parseFile string

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Print the datasets recovered from a generated response",
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readInput(cmd.InOrStdin(), parseFile)
		if err != nil {
			return err
		}
		parsed := dataset.NewParser(logger).Parse(text)
		failures := make([]pipeline.DecodeFailure, 0, len(parsed.Errors))
		for _, de := range parsed.Errors {
			failures = append(failures, pipeline.DecodeFailure{Dataset: de.Dataset, Raw: de.Raw, Error: de.Err.Error()})
		}
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"schedule":         parsed.Schedule,
			"activities":       parsed.Activities,
			"homework":         parsed.Homework,
			"dropped_homework": parsed.DroppedHomework,
			"decode_errors":    failures,
		})
	},
}

func init() {
	importCmd.Flags().StringVar(&importFlags.member, "member", "", "Member id (required)")
	importCmd.Flags().StringVar(&importFlags.name, "name", "", "Member display name")
	importCmd.Flags().StringVarP(&importFlags.file, "file", "f", "", "Response file, or - for stdin (required)")
	importCmd.Flags().StringVar(&importFlags.weekStart, "week-start", "", "Target week (YYYY-MM-DD, normalized to Monday)")
	importCmd.Flags().StringVar(&importFlags.date, "date", "", "Anchor date (YYYY-MM-DD, default today)")
	importCmd.Flags().StringVar(&importFlags.sourceImage, "source-image", "", "Source image recorded on homework (default: file name)")
	importCmd.MarkFlagRequired("member")
	importCmd.MarkFlagRequired("file")

	parseCmd.Flags().StringVarP(&parseFile, "file", "f", "", "Response file, or - for stdin (required)")
	parseCmd.MarkFlagRequired("file")
}

func readInput(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func flagDate(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	d, err := schoolyear.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
