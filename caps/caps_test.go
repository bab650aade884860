package caps_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brianmayclone/anyos-core/caps"
)

func TestParse(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		in   string
		want caps.Set
	}{
		{name: "single", in: "network", want: caps.Network},
		{name: "list", in: "filesystem,network,audio", want: caps.Filesystem | caps.Network | caps.Audio},
		{name: "spaces", in: " shm , event ", want: caps.Shm | caps.Event},
		{name: "all", in: "all", want: caps.All},
		{name: "unknown ignored", in: "network,frobnicate", want: caps.Network},
		{name: "empty", in: "", want: 0},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, caps.Parse(tt.in))
		})
	}
}

func TestHas(t *testing.T) {
	t.Parallel()

	set := caps.Default

	assert.True(t, set.Has(caps.Filesystem))
	assert.True(t, set.Has(caps.Filesystem|caps.Pipe))
	assert.False(t, set.Has(caps.Network))
	assert.False(t, set.Has(caps.Filesystem|caps.Network))
}

func TestParseManifest(t *testing.T) {
	t.Parallel()

	m := caps.ParseManifest("name=Surf\nid=com.anyos.surf\ncapabilities=network,display,shm\n")

	assert.Equal(t, "Surf", m.Name)
	assert.Equal(t, "com.anyos.surf", m.ID)
	assert.Equal(t, caps.Network|caps.Display|caps.Shm, m.Capabilities)
}

func TestParseManifestDefaultSet(t *testing.T) {
	t.Parallel()

	m := caps.ParseManifest("name=hexdump\nid=com.anyos.hexdump\n")

	assert.Equal(t, caps.Default, m.Capabilities)
}

func TestNeedsConsent(t *testing.T) {
	t.Parallel()

	m := caps.ParseManifest("name=Surf\nid=com.anyos.surf\ncapabilities=network,display,shm,thread\n")

	// Nothing stored yet: the sensitive subset needs consent, the
	// auto-granted bits (shm, thread) never do.
	assert.Equal(t, caps.Network|caps.Display, m.NeedsConsent(0))

	// Network already granted for this (uid, app-id).
	assert.Equal(t, caps.Display, m.NeedsConsent(caps.Network))

	// Everything stored: no dialog.
	assert.Zero(t, m.NeedsConsent(caps.Network|caps.Display))
}
