package tuplespace

import (
	"context"
	"strconv"

	"TupleMR/internal/logger"
)

// Space is an in-process Queue. Each written tuple is taken exactly once.
type Space struct {
	store  *Store
	logger *logger.Logger
}

func NewSpace(lg *logger.Logger) *Space {
	if lg == nil {
		lg = logger.New("INFO")
	}
	return &Space{
		store:  NewStore(),
		logger: lg.Named("tuplespace"),
	}
}

func (s *Space) Write(ctx context.Context, t Tuple) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.store.Put(t)
	s.logger.Debug("Tuple written: tuple=%s", t)
	return nil
}

func (s *Space) Take(ctx context.Context, p Pattern) (Tuple, error) {
	return WaitTake(ctx, s.store.Changed, func() (Tuple, bool, error) {
		t, ok := s.store.Remove(p)
		return t, ok, nil
	})
}

// Len reports how many tuples are waiting.
func (s *Space) Len() int {
	return s.store.Len()
}

// Count reports how many waiting tuples match p.
func (s *Space) Count(p Pattern) int {
	return s.store.Count(p)
}

func (s *Space) Stats() map[string]string {
	return map[string]string{
		"backend":  "memory",
		"pending":  strconv.Itoa(s.store.Len()),
		"tasks":    strconv.Itoa(s.store.Count(Pattern{Kind: KindTask})),
		"results":  strconv.Itoa(s.store.Count(Pattern{Kind: KindResult})),
		"versions": strconv.FormatUint(s.store.Version(), 10),
	}
}

// WaitTake runs try until it yields a tuple, sleeping on changed between
// attempts. changed is sampled before each try so no write is missed.
func WaitTake(ctx context.Context, changed func() <-chan struct{}, try func() (Tuple, bool, error)) (Tuple, error) {
	for {
		ch := changed()

		t, ok, err := try()
		if err != nil {
			return Tuple{}, err
		}
		if ok {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return Tuple{}, ctx.Err()
		case <-ch:
		}
	}
}
