package session

// Пакет session — файловое хранилище MTProto-сессий моста.
// Каждая пара аккаунт:сервис владеет собственным файлом сессии, поэтому
// хранилище не глобально: экземпляр создаётся на мост. Цели:
//   - атомарная запись файла сессии (без частичных состояний на диске);
//   - сигнализация мосту об актуальности сессии после успешного сохранения;
//   - потокобезопасный доступ при конкурирующих вызовах gotd.

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"

	"telegram-gateway/internal/infra/storage"
)

// FileStorage реализует tdsession.Storage поверх обычного файла.
// Обновление сессии обычно означает успешный логин/реавторизацию, поэтому
// после удачной записи вызывается OnStore (если задан) — мост использует его,
// чтобы отметить соединение живым.
type FileStorage struct {
	Path    string
	OnStore func()

	mux sync.Mutex
}

// Компиляторная проверка соответствия интерфейсу tdsession.Storage.
var _ tdsession.Storage = (*FileStorage)(nil)

// LoadSession читает файл сессии с диска.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии на диск.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}

	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return fmt.Errorf("atomic write session: %w", err)
	}

	if f.OnStore != nil {
		f.OnStore()
	}
	return nil
}
