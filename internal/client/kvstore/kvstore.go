// Package kvstore предоставляет локальное key-value хранилище устройства.
//
// Store — абстракция над secure storage платформы: файловая реализация для
// процесса-симулятора и in-memory реализация для тестов. Значения хранятся
// как строки; JSON-кодирование остаётся на стороне вызывающего.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound возвращается, когда ключ отсутствует в хранилище.
var ErrNotFound = errors.New("key not found")

// Store описывает интерфейс локального хранилища устройства.
type Store interface {
	// Get возвращает значение по ключу или ErrNotFound.
	Get(key string) (string, error)
	// Set записывает значение по ключу. Запись атомарна: значение либо
	// сохранено целиком, либо не сохранено вовсе.
	Set(key, value string) error
	// Delete удаляет ключ. Отсутствие ключа не является ошибкой.
	Delete(key string) error
}

// MemoryStore — потокобезопасное хранилище в памяти, используется в тестах
// и как fail-open замена при недоступности файлового хранилища.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore создаёт пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// FileStore хранит значения в одном JSON-файле.
//
// Запись выполняется через временный файл и rename, чтобы частично записанный
// файл никогда не читался как валидное состояние.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore создаёт хранилище в файле по указанному пути,
// создавая родительскую директорию при необходимости.
func NewFileStore(path string) (*FileStore, error) {
	const op = "kvstore.NewFileStore"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.load()
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value
	return s.save(values)
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.load()
	if err != nil {
		return err
	}
	delete(values, key)
	return s.save(values)
}

func (s *FileStore) load() (map[string]string, error) {
	const op = "kvstore.FileStore.load"
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return values, nil
}

func (s *FileStore) save(values map[string]string) error {
	const op = "kvstore.FileStore.save"
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
