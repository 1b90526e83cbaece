package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lummia/lummia/internal/config"
	"github.com/lummia/lummia/internal/domain/risk"
	"github.com/lummia/lummia/internal/platform/db"
)

// Sanitary source files expected in the --dir directory.
const (
	questionsFile = "perguntas.csv"
	optionsFile   = "opcoes_resposta.csv"
	codesFile     = "cnaes.csv"
	linksFile     = "cnae_perguntas.csv"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load reference data into the store",
	}
	cmd.PersistentFlags().String("schema", db.SharedSchema, "Target schema (PostgreSQL only)")

	sanitaryCmd := &cobra.Command{
		Use:   "sanitary",
		Short: "Import questions, answer options, codes and code-question links",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			var files []*os.File
			defer func() {
				for _, f := range files {
					f.Close()
				}
			}()
			open := func(name string) (*os.File, error) {
				f, err := os.Open(filepath.Join(dir, name))
				if err != nil {
					return nil, err
				}
				files = append(files, f)
				return f, nil
			}

			var src risk.SanitaryFiles
			var err error
			if src.Questions, err = open(questionsFile); err != nil {
				return err
			}
			if src.Options, err = open(optionsFile); err != nil {
				return err
			}
			if src.Codes, err = open(codesFile); err != nil {
				return err
			}
			if src.Links, err = open(linksFile); err != nil {
				return err
			}

			return withImporter(cmd, func(im *risk.Importer) (*risk.ImportReport, error) {
				return im.ImportSanitary(cmd.Context(), src)
			})
		},
	}
	sanitaryCmd.Flags().String("dir", ".", "Directory holding the sanitary CSV files")
	cmd.AddCommand(sanitaryCmd)

	environmentalCmd := &cobra.Command{
		Use:   "environmental",
		Short: "Replace the environmental licensing entries from a semicolon-separated sheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			return withImporter(cmd, func(im *risk.Importer) (*risk.ImportReport, error) {
				return im.ImportEnvironmental(cmd.Context(), f)
			})
		},
	}
	environmentalCmd.Flags().String("file", "", "Path to the environmental sheet")
	cmd.AddCommand(environmentalCmd)

	exemptionsCmd := &cobra.Command{
		Use:   "exemptions",
		Short: "Replace the project exemption flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			var data []byte
			if path != "" {
				var err error
				if data, err = os.ReadFile(path); err != nil {
					return err
				}
			}
			codes, err := risk.LoadExemptions(data)
			if err != nil {
				return err
			}

			return withImporter(cmd, func(im *risk.Importer) (*risk.ImportReport, error) {
				return im.ApplyExemptions(cmd.Context(), codes)
			})
		},
	}
	exemptionsCmd.Flags().String("file", "", "YAML exemption list (defaults to the built-in list)")
	cmd.AddCommand(exemptionsCmd)

	return cmd
}

// withImporter opens the configured store, runs fn and prints its report.
func withImporter(cmd *cobra.Command, fn func(im *risk.Importer) (*risk.ImportReport, error)) error {
	schema, _ := cmd.Flags().GetString("schema")
	if !db.ValidSchema(schema) {
		return fmt.Errorf("invalid schema name %q", schema)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.close()

	report, err := fn(risk.NewImporter(st.writer(schema), newLogger()))
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	return printReport(cmd, report)
}

func printReport(cmd *cobra.Command, report *risk.ImportReport) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
