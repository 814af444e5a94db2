package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolve_Literal(t *testing.T) {
	v := Lit(100)
	got := Resolve(context.Background(), v, Context{}, 0)
	assert.Equal(t, 100, got)
}

func TestResolve_Path_ResolutionOrder(t *testing.T) {
	rc := Context{
		Metadata:        map[string]interface{}{"limit": 10},
		Options:         map[string]interface{}{"limit": 20},
		Characteristics: map[string]interface{}{"limit": 30},
	}
	v := FromPath[int]("limit")
	assert.Equal(t, 10, Resolve(context.Background(), v, rc, -1))
}

func TestResolve_Path_AbsolutePrefix(t *testing.T) {
	rc := Context{
		Metadata: map[string]interface{}{"limit": 10},
		Options:  map[string]interface{}{"limit": 20},
	}
	v := FromPath[int]("options.limit")
	assert.Equal(t, 20, Resolve(context.Background(), v, rc, -1))
}

func TestResolve_Path_DefaultOnMiss(t *testing.T) {
	v := FromPath[int]("nope")
	assert.Equal(t, -1, Resolve(context.Background(), v, Context{}, -1))
}

func TestResolve_Path_RejectsPrototypePollution(t *testing.T) {
	rc := Context{Metadata: map[string]interface{}{"__proto__": 999}}
	v := FromPath[int]("__proto__")
	assert.Equal(t, -1, Resolve(context.Background(), v, rc, -1))
}

func TestResolve_Path_RejectsDeepPath(t *testing.T) {
	deep := "a.b.c.d.e.f.g.h.i.j.k"
	v := FromPath[int](deep)
	assert.Equal(t, -1, Resolve(context.Background(), v, Context{}, -1))
}

func TestResolve_Func(t *testing.T) {
	v := Fn(func(ctx context.Context, rc Context) (int, error) {
		return 42, nil
	})
	assert.Equal(t, 42, Resolve(context.Background(), v, Context{}, -1))
}

func TestResolve_Func_TimeoutFallsBackToDefault(t *testing.T) {
	v := Fn(func(ctx context.Context, rc Context) (int, error) {
		select {
		case <-time.After(time.Hour):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	start := time.Now()
	got := Resolve(context.Background(), v, Context{}, -1)
	assert.Equal(t, -1, got)
	assert.Less(t, time.Since(start), 6*time.Second)
}

func TestResolve_Func_PanicFallsBackToDefault(t *testing.T) {
	v := Fn(func(ctx context.Context, rc Context) (int, error) {
		panic("boom")
	})
	assert.Equal(t, -1, Resolve(context.Background(), v, Context{}, -1))
}
