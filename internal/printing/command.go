package printing

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// CommandRunner executes an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandSink prints on a physical device by spooling a rendered PDF through the
// CUPS lp command.
type CommandSink struct {
	command string
	run     CommandRunner
	logger  *zap.Logger
}

func NewCommandSink(command string, runner CommandRunner, logger *zap.Logger) *CommandSink {
	if strings.TrimSpace(command) == "" {
		command = "lp"
	}
	if runner == nil {
		runner = execRunner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandSink{command: command, run: runner, logger: logger}
}

func (s *CommandSink) Submit(ctx context.Context, doc Document) bool {
	spool, err := os.CreateTemp("", "dropaline-*.pdf")
	if err != nil {
		s.logger.Error("spool file unavailable", zap.Error(err))
		return false
	}
	spoolPath := spool.Name()
	defer os.Remove(spoolPath)

	renderErr := RenderPDF(doc, spool)
	closeErr := spool.Close()
	if renderErr != nil || closeErr != nil {
		s.logger.Error("render failed", zap.String("title", doc.Title), zap.NamedError("render", renderErr), zap.NamedError("close", closeErr))
		return false
	}

	args := []string{"-d", doc.DeviceID, "-t", doc.Title, spoolPath}
	output, err := s.run(ctx, s.command, args...)
	if err != nil {
		s.logger.Warn("print command failed",
			zap.String("device", doc.DeviceID),
			zap.String("output", strings.TrimSpace(string(output))),
			zap.Error(err),
		)
		return false
	}
	s.logger.Info("print job spooled", zap.String("device", doc.DeviceID), zap.String("output", strings.TrimSpace(string(output))))
	return true
}

// Router sends save-as-document jobs to one sink and device jobs to another.
type Router struct {
	Documents Sink
	Devices   Sink
}

func (r Router) Submit(ctx context.Context, doc Document) bool {
	if doc.DeviceID == "" || doc.DeviceID == SaveAsDocument {
		if r.Documents == nil {
			return false
		}
		return r.Documents.Submit(ctx, doc)
	}
	if r.Devices == nil {
		return false
	}
	return r.Devices.Submit(ctx, doc)
}

// NoDevice fails every device job. It stands in for the spool command on hosts that can
// only save documents.
func NoDevice(logger *zap.Logger) Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return SinkFunc(func(_ context.Context, doc Document) bool {
		logger.Warn("no print command configured", zap.String("device", doc.DeviceID), zap.String("title", doc.Title))
		return false
	})
}
