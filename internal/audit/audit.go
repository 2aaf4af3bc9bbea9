// Package audit records provisioning runs in an append-only JSON log.
package audit

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/blockprov/blockprov"
	"github.com/blockprov/blockprov/internal/provision"
	"github.com/blockprov/blockprov/pkg/provision/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Sink writes one JSON line per audit event.
type Sink struct {
	logger *zap.Logger
	closer io.Closer
}

// Open returns a Sink appending to path, rotated when it grows past maxSizeMB.
func Open(path string, maxSizeMB, maxBackups int) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB, // megabytes
		MaxBackups: maxBackups,
		Compress:   true,
	}
	s := NewWithWriter(zapcore.AddSync(w))
	s.closer = w
	return s, nil
}

// NewWithWriter returns a Sink writing to w.
func NewWithWriter(w zapcore.WriteSyncer) *Sink {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	core := zapcore.NewCore(enc, w, zapcore.InfoLevel)
	return &Sink{
		logger: zap.New(core).With(zap.String("version", blockprov.Version)),
	}
}

func mode(req types.StorageRequest) provision.Mode {
	if req.Restoring() {
		return provision.ModeRestore
	}
	return provision.ModeCreate
}

// RecordStart records that a run for req started.
func (s *Sink) RecordStart(ctx context.Context, marker string, req types.StorageRequest) error {
	fields := []zap.Field{
		zap.String("marker", marker),
		zap.String("nickname", req.Nickname),
		zap.String("layout", string(req.Layout)),
		zap.String("mode", string(mode(req))),
		zap.Int("device_count", req.DeviceCount),
		zap.Int64("size_gib", req.TotalSize),
		zap.String("mount_point", req.MountPoint),
		zap.Bool("encryption", req.Encrypted()),
	}
	if req.Restoring() {
		fields = append(fields, zap.String("lineage", req.RestoreLineage), zap.Int64("timestamp", req.RestoreTimestamp))
	}
	s.logger.Info("start", fields...)
	log.FromContext(ctx).Info("audit", "marker", marker)
	return s.logger.Sync()
}

// RecordFinish records the terminal state of a run.
func (s *Sink) RecordFinish(ctx context.Context, marker string, result *provision.Result, runErr error) error {
	fields := []zap.Field{
		zap.String("marker", marker),
		zap.String("state", string(result.State)),
		zap.String("mode", string(result.Mode)),
		zap.String("layout", string(result.Layout)),
		zap.String("target", result.Target),
		zap.Strings("devices", result.Devices),
		zap.Bool("encrypted", result.Encrypted),
		zap.Int("applied", result.Count(provision.OutcomeApplied)),
		zap.Int("skipped", result.Count(provision.OutcomeSkipped)),
	}
	if result.EncryptionSkipped {
		fields = append(fields, zap.Bool("encryption_skipped", true))
	}
	if runErr != nil {
		fields = append(fields, zap.String("error", runErr.Error()))
		if step, ok := provision.FailedStep(runErr); ok {
			fields = append(fields, zap.String("failed_step", string(step)))
		}
	}
	s.logger.Info("finish", fields...)
	log.FromContext(ctx).V(1).Info("audit", "marker", marker, "state", result.State)
	return s.logger.Sync()
}

// Close flushes and closes the log file.
func (s *Sink) Close() error {
	_ = s.logger.Sync()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
