package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrClassExists  = errors.New("класс стратегии уже зарегистрирован")
	ErrUnknownClass = errors.New("неизвестный класс стратегии")
)

// Factory создает стратегию по идентификатору и параметрам
type Factory func(id string, params Params) (Strategy, error)

// Registry сопоставляет имена классов конструкторам. Заполняется явными вызовами Register при старте.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register добавляет конструктор класса
func (r *Registry) Register(class string, f Factory) error {
	if class == "" || f == nil {
		return fmt.Errorf("пустой класс или конструктор")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[class]; ok {
		return fmt.Errorf("%w: %s", ErrClassExists, class)
	}
	r.factories[class] = f
	return nil
}

// Create создает экземпляр стратегии
func (r *Registry) Create(class, id string, params Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[class]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	s, err := f(id, params)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания стратегии %s (%s): %w", id, class, err)
	}
	return s, nil
}

// Classes возвращает зарегистрированные классы по алфавиту
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for c := range r.factories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
