package logger

import (
	"io"
	"log"
	"os"
	"sync"
)

var (
	instance *Logger
	mu       sync.Mutex
)

// Logger prints startup banners and shutdown progress to the console and
// the log file. Structured runtime logging goes through Slog().
type Logger struct {
	infoLogger  *log.Logger
	errorLogger *log.Logger
}

// Init points the printf logger at logDir, replacing any earlier one
func Init(logDir string) error {
	file, err := openShared(logDir)
	if err != nil {
		return err
	}

	infoWriter := io.MultiWriter(Console, file)
	errorWriter := io.Writer(file)
	if Console != io.Discard {
		errorWriter = io.MultiWriter(os.Stderr, file)
	}

	mu.Lock()
	defer mu.Unlock()
	instance = &Logger{
		infoLogger:  log.New(infoWriter, "", log.LstdFlags),
		errorLogger: log.New(errorWriter, "ERROR: ", log.LstdFlags),
	}
	return nil
}

// Close stops the printf logger and closes the log file
func Close() error {
	mu.Lock()
	instance = nil
	mu.Unlock()
	return closeShared()
}

// FilePath returns the log file currently written to, or "" before Init
func FilePath() string {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedFile == nil {
		return ""
	}
	return sharedFile.Path()
}

func output(isErr bool, fn func(l *log.Logger)) {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		return
	}
	if isErr {
		fn(instance.errorLogger)
	} else {
		fn(instance.infoLogger)
	}
}

// Info logs an informational message
func Info(format string, v ...interface{}) {
	output(false, func(l *log.Logger) { l.Printf(format, v...) })
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	output(true, func(l *log.Logger) { l.Printf(format, v...) })
}

// Println logs a simple message
func Println(v ...interface{}) {
	output(false, func(l *log.Logger) { l.Println(v...) })
}

// Printf logs a formatted message
func Printf(format string, v ...interface{}) {
	output(false, func(l *log.Logger) { l.Printf(format, v...) })
}
