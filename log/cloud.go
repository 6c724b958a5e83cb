package log

import (
	"context"
	"log/slog"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/logging"
)

// CloudHandler is a slog.Handler sending entries through the Cloud Logging API,
// for deployments where stdout is not collected.
type CloudHandler struct {
	logger *logging.Logger
	level  slog.Leveler
	attrs  []slog.Attr
}

// NewCloudHandler creates a Cloud Logging client for projectID, falling back
// to the metadata server when projectID is empty. The returned close func
// flushes buffered entries.
func NewCloudHandler(ctx context.Context, projectID, logName string, level slog.Leveler) (*CloudHandler, func() error, error) {
	if projectID == "" {
		var err error
		projectID, err = metadata.ProjectIDWithContext(ctx)
		if err != nil {
			return nil, nil, err
		}
	}
	client, err := logging.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	return &CloudHandler{logger: client.Logger(logName), level: level}, client.Close, nil
}

func (h *CloudHandler) Handle(ctx context.Context, r slog.Record) error {
	payload := make(map[string]any, len(h.attrs)+r.NumAttrs()+1)
	payload["message"] = r.Message
	for _, attr := range h.attrs {
		payload[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		payload[attr.Key] = attr.Value.Any()
		return true
	})
	h.logger.Log(logging.Entry{
		Timestamp: r.Time,
		Severity:  cloudSeverity(r.Level),
		Payload:   payload,
		Trace:     TraceFromContext(ctx),
	})
	return nil
}

func (h *CloudHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *CloudHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &CloudHandler{logger: h.logger, level: h.level, attrs: newAttrs}
}

func (h *CloudHandler) WithGroup(_ string) slog.Handler {
	return h
}

func cloudSeverity(l slog.Level) logging.Severity {
	switch {
	case l >= slog.LevelError:
		return logging.Error
	case l >= slog.LevelWarn:
		return logging.Warning
	case l >= slog.LevelInfo:
		return logging.Info
	}
	return logging.Debug
}
