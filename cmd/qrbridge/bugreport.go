package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/spf13/cobra"
	"github.com/touchcapture/qrbridge/internal/config"
	"github.com/touchcapture/qrbridge/internal/logging"
	"github.com/touchcapture/qrbridge/internal/protocol"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
)

func newBugreportCommand(logger *logging.RuntimeLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect recent logs and config into a diagnostic bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil && logger.Logger != nil {
				logger.Logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			return runBugReport(cmd.OutOrStdout())
		},
	}
}

func runBugReport(out io.Writer) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}

	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	stagingDir, err := os.MkdirTemp("", "qrbridge-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
	}
	summary.LogFiles, summary.Warnings = copyRecentLogs(filepath.Join(homeDir, config.DirName, "logs"), stagingDir, bugreportLogLimit)
	summary.RunID, summary.TraceID = extractLastCorrelation(summary.LogFiles)
	if summary.RunID == "" && summary.TraceID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id/trace_id found in copied logs")
	}
	for name, dir := range map[string]string{"config-home.toml": homeDir, "config-project.toml": cwd} {
		if warning := copyConfig(filepath.Join(dir, config.DirName, "config.toml"), filepath.Join(stagingDir, name)); warning != "" {
			summary.Warnings = append(summary.Warnings, warning)
		}
	}
	sort.Strings(summary.Warnings)
	if err := writeBugreportREADME(stagingDir, summary); err != nil {
		return err
	}

	bundlePath := filepath.Join(cwd, fmt.Sprintf(".qrbridge-bugreport-%s.tar.gz", bugreportNowFn().Format("20060102-150405")))
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	RunID     string
	TraceID   string
	Warnings  []string
}

func copyRecentLogs(logsDir, stagingDir string, limit int) ([]string, []string) {
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	var warnings []string
	copied := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from the log directory listing.
		data, err := os.ReadFile(file)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file, err))
			continue
		}
		if err := os.WriteFile(filepath.Join(destDir, filepath.Base(file)), data, 0o600); err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file, err))
			continue
		}
		copied = append(copied, file)
	}
	return copied, warnings
}

// extractLastCorrelation returns the run and trace ids of the most recent
// record that carries either, searching the newest log first.
func extractLastCorrelation(logPaths []string) (string, string) {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths come from the log directory listing.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			var record struct {
				RunID   string `json:"run_id"`
				TraceID string `json:"trace_id"`
			}
			if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &record); err != nil {
				continue
			}
			if record.RunID != "" || record.TraceID != "" {
				return record.RunID, record.TraceID
			}
		}
	}
	return "", ""
}

func copyConfig(source, destination string) string {
	// #nosec G304 -- config paths are fixed locations under the home and working directories.
	data, err := os.ReadFile(source)
	if err != nil {
		return fmt.Sprintf("config %s not included: %v", source, err)
	}
	if err := os.WriteFile(destination, data, 0o600); err != nil {
		return fmt.Sprintf("unable to stage config %s: %v", source, err)
	}
	return ""
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "qrbridge bug report\n===================\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&b, "Version: %s (protocol %s)\n", summary.Version, protocol.ProtocolVersion)
	fmt.Fprintf(&b, "run_id: %s\n", summary.RunID)
	fmt.Fprintf(&b, "trace_id: %s\n\n", summary.TraceID)
	fmt.Fprintf(&b, "Included artifacts:\n")
	fmt.Fprintf(&b, "- logs/ (up to the last %d log files)\n", bugreportLogLimit)
	fmt.Fprintf(&b, "- config-home.toml, config-project.toml when present\n")
	if len(summary.Warnings) > 0 {
		fmt.Fprintf(&b, "\nWarnings:\n")
		for _, warning := range summary.Warnings {
			fmt.Fprintf(&b, "- %s\n", warning)
		}
	}

	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is generated in the working directory with a fixed name pattern.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finish archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer file.Close()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

// newestFiles lists regular files in dir, newest first.
func newestFiles(dir string, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type datedFile struct {
		path    string
		modTime time.Time
	}
	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	paths := make([]string, 0, len(files))
	for _, file := range files {
		paths = append(paths, file.path)
	}
	return paths, nil
}
