package inboxsync

import "sort"

// ThreadCache holds the ordered messages of one conversation. It is not
// safe for concurrent use; Inbox serializes access.
type ThreadCache struct {
	key      string
	messages []Message
	ids      map[string]struct{}
}

func NewThreadCache() *ThreadCache {
	return &ThreadCache{ids: map[string]struct{}{}}
}

// Reset discards the cached messages and starts tracking key.
func (c *ThreadCache) Reset(key string) {
	c.key = key
	c.messages = nil
	c.ids = map[string]struct{}{}
}

func (c *ThreadCache) Key() string {
	return c.key
}

func (c *ThreadCache) Len() int {
	return len(c.messages)
}

func (c *ThreadCache) Contains(id string) bool {
	_, ok := c.ids[id]
	return ok
}

// Get returns a copy of the thread for key, or nil when key is not the
// tracked conversation.
func (c *ThreadCache) Get(key string) []Message {
	if key == "" || key != c.key {
		return nil
	}
	return append([]Message(nil), c.messages...)
}

// AppendIfNew inserts msg at its (createdAt, id) position unless a message
// with the same id is cached or msg belongs to another conversation.
func (c *ThreadCache) AppendIfNew(msg Message) bool {
	if c.key == "" || msg.ID == "" || msg.ConversationKey != c.key {
		return false
	}
	if _, ok := c.ids[msg.ID]; ok {
		return false
	}
	i := sort.Search(len(c.messages), func(i int) bool {
		return msg.Before(c.messages[i])
	})
	c.messages = append(c.messages, Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = msg
	c.ids[msg.ID] = struct{}{}
	return true
}

// Merge applies a fetched batch and reports how many messages were new.
func (c *ThreadCache) Merge(batch []Message) int {
	added := 0
	for _, msg := range batch {
		if c.AppendIfNew(msg) {
			added++
		}
	}
	return added
}
