package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/skalibog/stratcoord/pkg/logger"
	"github.com/skalibog/stratcoord/pkg/models"
)

// Journal получатель записей о сделках
type Journal interface {
	Record(ctx context.Context, rec models.TradeRecord) error
	Close() error
}

// FileJournal журнал сделок в файле, одна JSON-запись на строку
type FileJournal struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *json.Encoder
}

// OpenFile открывает журнал на дозапись, создавая каталог при необходимости
func OpenFile(path string) (*FileJournal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ошибка создания каталога журнала: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия журнала сделок: %w", err)
	}
	return &FileJournal{path: path, file: f, enc: json.NewEncoder(f)}, nil
}

// Record дописывает запись в конец файла
func (j *FileJournal) Record(_ context.Context, rec models.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("журнал %s закрыт", j.path)
	}
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("ошибка записи в журнал сделок: %w", err)
	}
	return nil
}

// Close закрывает файл журнала
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadFile читает все записи журнала; поврежденные строки пропускаются
func ReadFile(path string) ([]models.TradeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []models.TradeRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec models.TradeRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			logger.Warn("Поврежденная строка журнала", zap.String("path", path), zap.Int("line", line), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// Multi рассылает записи нескольким журналам
type Multi []Journal

// Record пишет во все журналы; ошибка одного не мешает остальным
func (m Multi) Record(ctx context.Context, rec models.TradeRecord) error {
	var errs []error
	for _, j := range m {
		if err := j.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, j := range m {
		if err := j.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
