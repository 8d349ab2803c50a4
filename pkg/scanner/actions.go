package scanner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/glimps-re/scan-proxy/pkg/datamodel"
)

type Action interface {
	Handle(ctx context.Context, report *datamodel.Report) error
}

type NoAction struct{}

func (*NoAction) Handle(context.Context, *datamodel.Report) error {
	return nil
}

type LogAction struct {
	logger *slog.Logger
}

func NewLogAction(logger *slog.Logger) *LogAction {
	return &LogAction{logger: logger}
}

func (a *LogAction) Handle(_ context.Context, report *datamodel.Report) (err error) {
	log := a.logger.With(slog.String("file", report.Location), slog.String("sha256", report.SHA256))
	switch {
	case report.Error != "":
		log.Warn("info scanned", slog.String(logErrorKey, report.Error))
	case report.Malicious:
		log.Info("info scanned", slog.Bool("malware", true), slog.String("verdict", report.Verdict), slog.String("classification", report.Classification), slog.Bool("cached", report.Cached))
	default:
		log.Debug("info scanned", slog.Bool("malware", false), slog.Bool("cached", report.Cached))
	}
	return
}

// PrintAction writes a human readable summary of each report to Out.
// Clean files are only printed when Verbose is set.
type PrintAction struct {
	Verbose bool
	Out     io.Writer
}

func (a *PrintAction) Handle(_ context.Context, report *datamodel.Report) (err error) {
	if report.Error == "" && !report.Malicious && !a.Verbose {
		return
	}
	b := &strings.Builder{}
	switch {
	case report.Error != "":
		fmt.Fprintf(b, "%s: error: %s\n", report.Location, report.Error)
	case report.Malicious:
		fmt.Fprintf(b, "%s: %s (%s)\n", report.Location, report.Verdict, report.Classification)
	default:
		fmt.Fprintf(b, "%s: %s\n", report.Location, report.Verdict)
	}
	if report.SHA256 != "" {
		fmt.Fprintf(b, "  sha256: %s\n", report.SHA256)
	}
	if r := report.Result; r != nil {
		if r.DetectionReason != nil {
			fmt.Fprintf(b, "  reason: %s\n", *r.DetectionReason)
		}
		if len(r.SuspiciousItems) > 0 {
			b.WriteString("  suspicions:\n")
			for _, s := range r.SuspiciousItems {
				fmt.Fprintf(b, "    - %s (weight %g)", s.Pattern, s.Weight)
				if s.MatchText != nil {
					fmt.Fprintf(b, ": %q", *s.MatchText)
				}
				b.WriteString("\n")
			}
		}
	}
	if report.Cached {
		b.WriteString("  (cached result)\n")
	}
	_, err = io.WriteString(a.Out, b.String())
	return
}

// ReportAction appends each report to a JSON array file.
type ReportAction struct {
	writer *datamodel.ReportsWriter
}

func NewReportAction(dst io.WriteSeeker) *ReportAction {
	return &ReportAction{writer: datamodel.NewReportsWriter(dst)}
}

func (a *ReportAction) Handle(_ context.Context, report *datamodel.Report) error {
	return a.writer.Write(*report)
}

type MultiAction struct {
	Actions []Action
}

func NewMultiAction(actions ...Action) *MultiAction {
	return &MultiAction{Actions: actions}
}

func (a *MultiAction) Handle(ctx context.Context, report *datamodel.Report) (err error) {
	for _, h := range a.Actions {
		if err = h.Handle(ctx, report); err != nil {
			return
		}
	}
	return
}
