package relayer

import (
	"os"
	"unicode"

	ipfslog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// consoleEncoder replaces control characters in encoded entries. Destination strings come straight from chain A log
// data and must not be able to forge log lines.
type consoleEncoder struct {
	zapcore.Encoder
}

func (e consoleEncoder) Clone() zapcore.Encoder {
	return consoleEncoder{e.Encoder.Clone()}
}

func (e consoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf, err := e.Encoder.EncodeEntry(entry, fields)
	if err != nil {
		return nil, err
	}

	b := buf.Bytes()
	for i := range b {
		if unicode.IsControl(rune(b[i])) && !unicode.IsSpace(rune(b[i])) {
			b[i] = '\x1A' // Substitute character
		}
	}

	return buf, nil
}

// newLogger builds the root logger at the given level (debug, info, warn, error, dpanic, panic, fatal).
func newLogger(level string, json bool) (*zap.Logger, error) {
	lvl, err := ipfslog.LevelFromString(level)
	if err != nil {
		return nil, err
	}
	// Keep the log level of libraries that log through go-log in line with ours.
	ipfslog.SetAllLoggers(lvl)

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if json {
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(consoleEncoder{enc}, zapcore.Lock(os.Stderr), zapcore.Level(lvl))
	return zap.New(core, zap.AddCaller()).Named("relayer"), nil
}
