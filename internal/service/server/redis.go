package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"privchat/internal/model"
	"privchat/internal/utils/log"
)

const presenceKey = "online_users"

// cacheEnvelope parks an envelope for an offline recipient.
func (s *HttpServer) cacheEnvelope(ctx context.Context, to string, env *model.Envelope) error {
	key := fmt.Sprintf("to:%s", to)
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.cache.RPush(ctx, key, data)
}

// forwardCachedEnvelopes drains the offline cache to a freshly
// connected user, in the order the envelopes were parked. If the
// connection dies mid-drain, the undelivered remainder is pushed back
// so the next connect picks it up.
func (s *HttpServer) forwardCachedEnvelopes(ctx context.Context, userID string, c *client) error {
	key := fmt.Sprintf("to:%s", userID)
	vals, err := s.cache.LRange(ctx, key)
	if err != nil {
		return err
	}
	if err := s.cache.Del(ctx, key); err != nil {
		return err
	}

	for i, v := range vals {
		var env model.Envelope
		if err := json.Unmarshal([]byte(v), &env); err != nil {
			log.Error("bad cached envelope", zap.Error(err))
			continue
		}
		if err := c.writeJSON(&env); err != nil {
			if reErr := s.requeue(ctx, key, vals[i:]); reErr != nil {
				log.Error("requeue undelivered envelopes failed",
					zap.String("user_id", userID), zap.Error(reErr))
			}
			return err
		}
	}
	return nil
}

func (s *HttpServer) requeue(ctx context.Context, key string, vals []string) error {
	remainder := make([]any, 0, len(vals))
	for _, v := range vals {
		remainder = append(remainder, v)
	}
	return s.cache.RPush(ctx, key, remainder...)
}

// setPresence keeps the redis online set and last-seen record current
// and broadcasts the presence change to everyone connected here.
func (s *HttpServer) setPresence(ctx context.Context, userID string, online bool) {
	var err error
	typ := model.TypeOffline
	if online {
		typ = model.TypeOnline
		err = s.cache.SAdd(ctx, presenceKey, userID)
	} else {
		err = s.cache.SRem(ctx, presenceKey, userID)
	}
	if err != nil {
		log.Error("update presence set failed",
			zap.String("user_id", userID), zap.Error(err))
	}

	lastSeenKey := fmt.Sprintf("last_seen:%s", userID)
	if err := s.cache.Set(ctx, lastSeenKey, time.Now().UTC().Format(time.RFC3339), 0); err != nil {
		log.Error("update last seen failed",
			zap.String("user_id", userID), zap.Error(err))
	}

	env, err := model.NewEnvelope(typ, "", map[string]string{"user_id": userID})
	if err != nil {
		return
	}
	for _, id := range s.hub.users() {
		if id == userID {
			continue
		}
		if c, ok := s.hub.get(id); ok {
			c.writeJSON(env)
		}
	}
}

// OnlineUsers lists users currently marked online in redis.
func (s *HttpServer) OnlineUsers(ctx context.Context) ([]string, error) {
	return s.cache.SMembers(ctx, presenceKey)
}

// LastSeen returns the stored last presence change for a user, or the
// zero time if none is recorded.
func (s *HttpServer) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	v, err := s.cache.Get(ctx, fmt.Sprintf("last_seen:%s", userID))
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, v)
}
