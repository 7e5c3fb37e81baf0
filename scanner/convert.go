package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Converter turns legacy OLE2 .xls/.doc files into OOXML through a remote
// unoserver, via the unoconvert client.
type Converter struct {
	Bin      string
	Host     string
	Port     int
	Protocol string
	Timeout  time.Duration
}

var ErrNoConverter = errors.New("legacy office conversion is not configured")

// Convert writes <stem>.converted<targetExt> next to inPath and returns its path.
// The original is left in place.
func (c *Converter) Convert(ctx context.Context, inPath, targetExt string) (string, error) {
	if c == nil {
		return "", ErrNoConverter
	}
	bin := orDefault(c.Bin, "unoconvert")
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("%w: %q not found", ErrNoConverter, bin)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outPath := strings.TrimSuffix(inPath, filepath.Ext(inPath)) + ".converted" + targetExt
	_ = os.Remove(outPath)

	args := []string{}
	if c.Host != "" {
		port := c.Port
		if port <= 0 {
			port = 2003
		}
		args = append(args,
			"--host", c.Host,
			"--port", strconv.Itoa(port),
			"--protocol", orDefault(c.Protocol, "http"),
			"--host-location", "remote",
		)
	}
	args = append(args, inPath, outPath)
	out, runErr := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("convert %s: timed out after %s", filepath.Base(inPath), timeout)
	}
	if runErr != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = runErr.Error()
		}
		return "", fmt.Errorf("convert %s: %s", filepath.Base(inPath), msg)
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("convert %s: output missing: %w", filepath.Base(inPath), err)
	}
	return outPath, nil
}
