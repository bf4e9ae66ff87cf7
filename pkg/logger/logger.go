package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options задает параметры глобального логгера
type Options struct {
	Level    string // debug, info, warn, error
	File     string // читаемый лог
	JSONFile string // JSON лог, его читает терминальный интерфейс
	Console  bool
}

// DefaultOptions возвращает настройки по умолчанию
func DefaultOptions() Options {
	return Options{
		Level:    "debug",
		File:     "app.log",
		JSONFile: "app.json.log",
	}
}

// Глобальный экземпляр логгера
var (
	globalLogger *zap.Logger
	once         sync.Once
	mu           sync.RWMutex
)

// Init инициализирует глобальный логгер. Повторные вызовы игнорируются.
func Init(opts Options) error {
	var initErr error
	once.Do(func() {
		l, err := newLogger(opts)
		if err != nil {
			initErr = err
			return
		}
		mu.Lock()
		globalLogger = l
		mu.Unlock()
	})
	return initErr
}

// GetLogger возвращает глобальный экземпляр логгера.
// До вызова Init возвращается пустой логгер, чтобы пакеты можно было тестировать без файлов.
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger == nil {
		return nop
	}
	return globalLogger
}

var nop = zap.NewNop()

// Sync сбрасывает буферы логгера
func Sync() {
	_ = GetLogger().Sync()
}

// Вспомогательные функции для удобства использования
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}

// newLogger собирает tee из читаемого файла, JSON файла и (опционально) консоли
func newLogger(opts Options) (*zap.Logger, error) {
	if opts.File == "" {
		opts.File = "app.log"
	}
	if opts.JSONFile == "" {
		opts.JSONFile = "app.json.log"
	}

	level := zapcore.DebugLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("неизвестный уровень логирования %q: %w", opts.Level, err)
		}
	}

	// Конфигурация энкодера
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("02.01.2006 - 15:04:05.000000000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	readableFile, err := openLogFile(opts.File, false)
	if err != nil {
		return nil, err
	}
	// JSON лог очищается при перезапуске
	jsonFile, err := openLogFile(opts.JSONFile, true)
	if err != nil {
		return nil, err
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(readableFile), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(jsonFile), level),
	}
	if opts.Console {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stdout), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

func openLogFile(path string, truncate bool) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ошибка создания каталога логов: %w", err)
		}
	}
	flags := os.O_APPEND | os.O_CREATE | os.O_WRONLY
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла лога %s: %w", path, err)
	}
	return f, nil
}
