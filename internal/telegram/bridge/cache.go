package bridge

// Тёплый кэш диалогов моста. Ключ — канонический подписанный id; рядом
// живёт индекс по username. Кэш наполняется полным прогревом на старте,
// периодическим повтором и мини-прогревом по требованию (см. warmup.go).

import (
	"strings"
	"sync"

	"telegram-gateway/internal/tgutil"
)

// Cache отображает канонический id чата/пользователя в разрешённую сущность.
type Cache struct {
	mu       sync.RWMutex
	entities map[int64]Entity
	byUser   map[string]int64 // username в нижнем регистре → канонический id
}

// NewCache создаёт пустой кэш.
func NewCache() *Cache {
	return &Cache{
		entities: make(map[int64]Entity),
		byUser:   make(map[string]int64),
	}
}

// Put кладёт сущность под её каноническим ключом и индексирует username.
func (c *Cache) Put(e Entity) {
	if e.Zero() {
		return
	}
	key := e.CanonicalID()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[key] = e
	if e.Username != "" {
		c.byUser[strings.ToLower(e.Username)] = key
	}
}

// Lookup ищет сущность по числовой ссылке. Помимо точного ключа пробуются
// остальные написания того же сырого идентификатора: ссылка с границы HTTP
// может называть супергруппу сырым положительным числом, а приватный чат
// с пользователем — канонической отрицательной формой.
func (c *Cache) Lookup(id int64) (Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entities[id]; ok {
		return e, true
	}
	raw, _ := tgutil.SplitCanonical(id)
	if raw <= 0 {
		return Entity{}, false
	}
	for _, key := range []int64{raw, tgutil.CanonicalChatID(raw), tgutil.CanonicalChannelID(raw)} {
		if key == id {
			continue
		}
		if e, ok := c.entities[key]; ok {
			return e, true
		}
	}
	return Entity{}, false
}

// LookupUsername ищет сущность по username (без @, регистр не важен).
func (c *Cache) LookupUsername(username string) (Entity, bool) {
	username = strings.ToLower(strings.TrimPrefix(username, "@"))
	if username == "" {
		return Entity{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.byUser[username]
	if !ok {
		return Entity{}, false
	}
	e, ok := c.entities[key]
	return e, ok
}

// Size возвращает число сущностей в кэше.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities)
}

// Clear опустошает кэш перед полным прогревом.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = make(map[int64]Entity)
	c.byUser = make(map[string]int64)
}
