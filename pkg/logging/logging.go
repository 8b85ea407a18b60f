package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"sdfs/pkg/types"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	Verbose bool
	// LogFile, when set, receives a copy of every entry. The grep and log
	// commands read this file.
	LogFile string
	// Console overrides the stderr sink; nil means stderr.
	Console zapcore.WriteSyncer
}

// New builds the production JSON logger used by every sdfs process.
func New(opts Options) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Verbose {
		level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	console := opts.Console
	if console == nil {
		console = zapcore.Lock(os.Stderr)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), console, level),
	}

	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		sink, _, err := zap.Open(opts.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.LogFile, err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// FilePath returns the node log file under dataDir, named after the identity.
func FilePath(dataDir string, id types.NodeID) string {
	name := strings.NewReplacer(":", "-", "/", "_", "[", "", "]", "").Replace(string(id))
	return filepath.Join(dataDir, name+".log")
}

// Grep returns the lines of the file at path matching pattern.
func Grep(path, pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	var matches []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); re.MatchString(line) {
			matches = append(matches, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return matches, fmt.Errorf("failed to scan log: %w", err)
	}
	return matches, nil
}

// CopyFile streams the whole file at path into w.
func CopyFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()
	return io.Copy(w, f)
}
