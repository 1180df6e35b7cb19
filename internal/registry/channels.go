package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/flipps12/chat-p2p/internal/store"
)

// Channels is the persisted list of subscribed channels
type Channels struct {
	mu    sync.Mutex
	store *store.Store
	log   *zap.Logger
}

// NewChannels creates a channel registry backed by channels.json
func NewChannels(s *store.Store, log *zap.Logger) *Channels {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channels{store: s, log: log.Named("channels")}
}

// Exclusive runs fn while holding the registry lock
func (r *Channels) Exclusive(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

func (r *Channels) update(fn func(channels []store.ChannelRecord) ([]store.ChannelRecord, bool)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels, err := store.Load[store.ChannelRecord](r.store, store.ChannelsFile)
	if err != nil {
		return err
	}
	channels, changed := fn(channels)
	if !changed {
		return nil
	}
	return store.Save(r.store, store.ChannelsFile, channels)
}

func indexOfChannel(channels []store.ChannelRecord, uuid string) int {
	for i := range channels {
		if channels[i].UUID == uuid {
			return i
		}
	}
	return -1
}

// List returns every channel
func (r *Channels) List() ([]store.ChannelRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return store.Load[store.ChannelRecord](r.store, store.ChannelsFile)
}

// FindByTopic returns the channel a gossip topic belongs to. Channels are
// subscribed either by their topic name or by their uuid, so both match.
func (r *Channels) FindByTopic(topic string) (store.ChannelRecord, bool, error) {
	channels, err := r.List()
	if err != nil {
		return store.ChannelRecord{}, false, err
	}
	for _, c := range channels {
		if c.Topic == topic || c.UUID == topic {
			return c, true, nil
		}
	}
	return store.ChannelRecord{}, false, nil
}

// Upsert replaces the channel with the same uuid or appends a new one
func (r *Channels) Upsert(channel store.ChannelRecord) error {
	return r.update(func(channels []store.ChannelRecord) ([]store.ChannelRecord, bool) {
		if i := indexOfChannel(channels, channel.UUID); i >= 0 {
			channels[i] = channel
			r.log.Debug("Updated channel", zap.String("uuid", channel.UUID), zap.String("topic", channel.Topic))
			return channels, true
		}
		r.log.Debug("Added channel", zap.String("uuid", channel.UUID), zap.String("topic", channel.Topic))
		return append(channels, channel), true
	})
}

// Remove deletes the channel with uuid
func (r *Channels) Remove(uuid string) error {
	return r.update(func(channels []store.ChannelRecord) ([]store.ChannelRecord, bool) {
		i := indexOfChannel(channels, uuid)
		if i < 0 {
			return channels, false
		}
		r.log.Debug("Removed channel", zap.String("uuid", uuid))
		return append(channels[:i], channels[i+1:]...), true
	})
}

// SetLastMessage records messageUUID as the newest message of channel uuid.
// Unknown channels are ignored.
func (r *Channels) SetLastMessage(uuid, messageUUID string) (updated bool, err error) {
	err = r.update(func(channels []store.ChannelRecord) ([]store.ChannelRecord, bool) {
		i := indexOfChannel(channels, uuid)
		if i < 0 {
			return channels, false
		}
		last := messageUUID
		channels[i].LastMessageUUID = &last
		updated = true
		return channels, true
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}
