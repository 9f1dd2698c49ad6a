package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/roast.report/internal/api"
	"github.com/banshee-data/roast.report/internal/chart"
	"github.com/banshee-data/roast.report/internal/config"
	"github.com/banshee-data/roast.report/internal/db"
	"github.com/banshee-data/roast.report/internal/security"
)

var exportFormats = map[string]func(io.Writer, chart.Roast) error{
	"csv":  chart.WriteCSV,
	"png":  chart.RenderPNG,
	"html": chart.RenderHTML,
}

// runExport writes one roast to a file under the working directory or the
// system temp directory.
func runExport(cfg *config.RoastConfig, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", "csv", "Output format: csv, png or html")
	outDir := fs.String("out", ".", "Directory to write into")
	outFile := fs.String("o", "", "Output file (overrides -out and the generated name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: export [-format csv|png|html] [-out dir] [-o file] <roast-id>")
	}
	render, ok := exportFormats[*format]
	if !ok {
		return fmt.Errorf("unknown format %q", *format)
	}

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	cr, err := api.LoadChartRoast(database, fs.Arg(0))
	if err != nil {
		return err
	}

	path := *outFile
	if path == "" {
		path = filepath.Join(*outDir, security.ExportFilename(cr.Name, cr.Start, *format))
	}
	if err := security.ValidateExportPath(path); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := render(&buf, cr); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Fprintf(out, "Wrote %s (%d bytes)\n", path, buf.Len())
	return nil
}
