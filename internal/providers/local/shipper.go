// Package local opens change requests as markdown files inside the workspace.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/capability"
	"github.com/fyrsmithlabs/metapod/internal/fault"
)

// Dir is where requests are written, relative to the workspace.
const Dir = ".metapod/change-requests"

// Shipper implements capability.Shipper. The file name is the request
// token, so opening the same request twice finds the first file.
type Shipper struct {
	logger *zap.Logger
}

// New creates a Shipper.
func New(logger *zap.Logger) *Shipper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shipper{logger: logger.Named("ship.local")}
}

// OpenChangeRequest implements capability.Shipper.
func (s *Shipper) OpenChangeRequest(_ context.Context, workspace string, cr capability.ChangeRequest) (capability.Opened, error) {
	if cr.Token == "" || strings.ContainsAny(cr.Token, `/\`) {
		return capability.Opened{}, fault.Validationf("ship.local", "invalid token %q", cr.Token)
	}
	dir := filepath.Join(workspace, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return capability.Opened{}, fault.New(fault.Fatal, "ship.local", err)
	}
	path := filepath.Join(dir, cr.Token+".md")
	opened := capability.Opened{RequestID: "local-" + shortToken(cr.Token), URL: "file://" + path}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		opened.Reused = true
		s.logger.Info("change request already open", zap.String("path", path))
		return opened, nil
	}
	if err != nil {
		return capability.Opened{}, fault.New(fault.Fatal, "ship.local", err)
	}
	if _, err := f.WriteString(Render(cr)); err != nil {
		f.Close()
		os.Remove(path)
		return capability.Opened{}, fault.New(fault.Fatal, "ship.local", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return capability.Opened{}, fault.New(fault.Fatal, "ship.local", err)
	}

	s.logger.Info("change request opened", zap.String("path", path))
	return opened, nil
}

// Render formats cr as markdown.
func Render(cr capability.ChangeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", cr.Title)
	if cr.Description != "" {
		b.WriteString(strings.TrimSpace(cr.Description))
		b.WriteString("\n\n")
	}
	if len(cr.Checklist) > 0 {
		b.WriteString("## Checklist\n\n")
		for _, item := range cr.Checklist {
			fmt.Fprintf(&b, "- [ ] %s\n", item)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "<!-- metapod-token: %s -->\n", cr.Token)
	return b.String()
}

func shortToken(t string) string {
	if len(t) > 12 {
		return t[:12]
	}
	return t
}
