// Package logging builds the process-wide zerolog output for the hardware
// layer and hands every subsystem its component-scoped child logger. Output
// goes to stdout as JSON (or a console writer for interactive use) and is
// optionally mirrored to Loki.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/tessarix/radhal/config"
)

// componentField is the key every subsystem logger carries, so a single
// stream can be filtered down to one device.
const componentField = "component"

// serviceName identifies this process in shared log storage.
const serviceName = "radhal"

// Component derives a child logger scoped to one hardware subsystem, e.g.
// "hvg_simulator" or "dose_monitor".
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str(componentField, name).Logger()
}

// Setup builds the root logger from configuration. The returned cleanup
// function flushes and stops any remote sink and must be called on shutdown.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	writer := stdoutWriter(cfg.Format)
	cleanup := func() {}
	if cfg.Loki.Enabled {
		sink, stop, err := newLokiSink(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writer = zerolog.MultiLevelWriter(writer, sink)
		cleanup = stop
	}

	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	return logger, cleanup, nil
}

func parseLevel(raw string) (zerolog.Level, error) {
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func stdoutWriter(format string) io.Writer {
	if strings.EqualFold(format, "text") {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}

func newLokiSink(cfg config.LokiConfig) (io.Writer, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create loki client: %w", err)
	}
	sink := &lokiSink{client: client, labels: lokiLabels(cfg)}
	return sink, client.Stop, nil
}

// lokiLabels merges configured labels over the defaults identifying this
// process. Configured labels win on conflict.
func lokiLabels(cfg config.LokiConfig) model.LabelSet {
	labels := model.LabelSet{"app": serviceName}
	for k, v := range cfg.Labels {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	return labels
}

// lokiSink ships each log line as one Loki entry. Blank lines are dropped,
// not shipped as empty entries.
type lokiSink struct {
	client *loki.Client
	labels model.LabelSet
}

func (s *lokiSink) Write(p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	if err := s.client.Handle(s.labels, time.Now(), entry); err != nil {
		return len(p), err
	}
	return len(p), nil
}
