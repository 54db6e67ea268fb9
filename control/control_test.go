// File: control/control_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookup_DefaultsAndIdentity(t *testing.T) {
	v := Lookup("test.option.a", 42, "test option")
	require.Equal(t, 42, v.Get())
	again := Lookup("test.option.a", 99, "test option")
	require.Same(t, v, again, "Lookup must return the registered instance")
	require.Equal(t, 42, again.Get(), "second default must not clobber")
}

func TestVar_UpdateNotifiesListeners(t *testing.T) {
	v := Lookup("test.option.b", 1, "test option")
	var gotOld, gotNew int
	key := v.AddListener(func(oldVal, newVal int) {
		gotOld, gotNew = oldVal, newVal
	})
	v.Update(7)
	require.Equal(t, 1, gotOld)
	require.Equal(t, 7, gotNew)

	// same value: no notification
	gotOld, gotNew = 0, 0
	v.Update(7)
	require.Zero(t, gotNew)

	v.DelListener(key)
	v.Update(8)
	require.Zero(t, gotNew, "removed listener must not fire")
}

func TestLoadYAML_NestedKeys(t *testing.T) {
	v := Lookup("test.yaml.depth", 10, "test option")
	s := Lookup("test.yaml.label", "none", "test option")
	doc := []byte("test:\n  yaml:\n    depth: 33\n    label: deep\n    unknown: ignored\n")
	require.NoError(t, LoadYAML(doc))
	require.Equal(t, 33, v.Get())
	require.Equal(t, "deep", s.Get())
}

func TestLoadYAML_BuiltinOptions(t *testing.T) {
	oldStack := FiberStackSize.Get()
	oldTimeout := TCPConnectTimeout.Get()
	defer func() {
		FiberStackSize.Update(oldStack)
		TCPConnectTimeout.Update(oldTimeout)
	}()

	require.NoError(t, LoadYAML([]byte(
		"fiber:\n  stack_size: 2097152\ntcp:\n  connect:\n    timeout: 300\n")))
	require.Equal(t, 2097152, FiberStackSize.Get())
	require.Equal(t, 300, TCPConnectTimeout.Get())
}

func TestSnapshot_ContainsRegistered(t *testing.T) {
	Lookup("test.snapshot.x", "hello", "test option")
	snap := Snapshot()
	require.Equal(t, "hello", snap["test.snapshot.x"])
	require.Contains(t, snap, "fiber.stack_size")
}

func TestController_SetConfigAndReload(t *testing.T) {
	v := Lookup("test.ctrl.depth", 5, "test option")
	c := Controller()
	fired := 0
	c.OnReload(func() { fired++ })
	require.NoError(t, c.SetConfig(map[string]any{"test.ctrl.depth": 9}))
	require.Equal(t, 9, v.Get())
	require.Equal(t, 1, fired)
	require.Equal(t, 9, c.GetConfig()["test.ctrl.depth"])
}

func TestMetricsRegistry_SetAndProbe(t *testing.T) {
	mr := NewMetricsRegistry()
	mr.Set("static", 5)
	live := 0
	mr.RegisterProbe("live", func() any { return live })

	live = 17
	snap := mr.GetSnapshot()
	require.Equal(t, 5, snap["static"])
	require.Equal(t, 17, snap["live"])
}

func TestCounter(t *testing.T) {
	c := NewCounter("test.counter")
	c.Inc()
	c.Add(4)
	require.Equal(t, int64(5), c.Load())
	require.Equal(t, int64(5), Metrics().GetSnapshot()["test.counter"])
}
