package ui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"
)

// timeLayout формат времени JSON лога
const timeLayout = "02.01.2006 - 15:04:05.999999999Z07:00"

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// logTail последние строки JSON лога в читаемом виде
type logTail struct {
	path  string
	limit int

	mu   sync.RWMutex
	tail []string
}

func newLogTail(path string, limit int) *logTail {
	return &logTail{path: path, limit: limit, tail: []string{"Ожидание данных..."}}
}

// load перечитывает файл; отсутствие файла не считается ошибкой
func (t *logTail) load() error {
	file, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	var logs []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logs = append(logs, formatLogLine(scanner.Text()))
		if len(logs) > t.limit {
			logs = logs[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if len(logs) > 0 {
		t.mu.Lock()
		t.tail = logs
		t.mu.Unlock()
	}
	return nil
}

func (t *logTail) lines() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.tail...)
}

// formatLogLine переводит JSON запись zap в строку "[время] [уровень] сообщение (поле: значение)"
func formatLogLine(line string) string {
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return line
	}
	level, _ := entry["level"].(string)
	ts, _ := entry["ts"].(string)
	msg, _ := entry["msg"].(string)
	level = ansiRegex.ReplaceAllString(level, "")

	timestamp := ""
	if t, err := time.Parse(timeLayout, ts); err == nil {
		timestamp = t.Format("15:04:05")
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k != "level" && k != "ts" && k != "msg" && k != "caller" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := fmt.Sprintf("[%s] [%s] %s", timestamp, level, msg)
	for _, k := range keys {
		out += fmt.Sprintf(" (%s: %v)", k, entry[k])
	}
	return out
}
