package syscall

import (
	"sync"

	"github.com/brianmayclone/anyos-core/caps"
)

// permKey identifies a stored grant: per user, per app bundle.
type permKey struct {
	uid   uint32
	appID string
}

// PermStore holds the per-(uid, app-id) capability grants behind the
// permission syscalls. First launch of an .app with ungranted sensitive
// capabilities surfaces PermNeeded to the parent, which shows the consent
// dialog and retries after storing.
type PermStore struct {
	mu      sync.Mutex
	grants  map[permKey]caps.Set
	pending map[permKey]caps.Set
}

func NewPermStore() *PermStore {
	return &PermStore{
		grants:  map[permKey]caps.Set{},
		pending: map[permKey]caps.Set{},
	}
}

// Check evaluates a manifest against stored grants. It returns the
// capability set the app may run with, or PermNeeded semantics via
// needed != 0 when consent is outstanding.
func (p *PermStore) Check(uid uint32, m caps.Manifest) (granted caps.Set, needed caps.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := permKey{uid: uid, appID: m.ID}
	stored := p.grants[key]

	needed = m.NeedsConsent(stored)
	if needed != 0 {
		p.pending[key] = needed

		return 0, needed
	}

	return (m.Capabilities & stored) | (m.Capabilities & caps.AutoGranted), 0
}

// Store records a consent decision.
func (p *PermStore) Store(uid uint32, appID string, set caps.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := permKey{uid: uid, appID: appID}
	p.grants[key] |= set
	delete(p.pending, key)
}

// Pending returns the capabilities awaiting consent for an app.
func (p *PermStore) Pending(uid uint32, appID string) caps.Set {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pending[permKey{uid: uid, appID: appID}]
}

// List returns the stored grant for an app.
func (p *PermStore) List(uid uint32, appID string) caps.Set {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.grants[permKey{uid: uid, appID: appID}]
}

// Delete removes a stored grant.
func (p *PermStore) Delete(uid uint32, appID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.grants, permKey{uid: uid, appID: appID})
}

// ── handlers ──

func permUID(k *Kernel) (uint32, bool) {
	cur := k.Sched.Current()
	if cur == nil {
		return 0, false
	}

	return cur.UID, true
}

func sysPermCheck(k *Kernel, f *Frame) uint32 {
	uid, ok := permUID(k)
	if !ok {
		return ErrReturn
	}

	appID, ok := k.readUserString(f.Arg(0), 128)
	if !ok {
		return ErrReturn
	}

	manifest := caps.Manifest{ID: appID, Capabilities: caps.Set(uint32(f.Arg(1)))}

	_, needed := k.Perms.Check(uid, manifest)
	if needed != 0 {
		return PermNeeded
	}

	return 0
}

func sysPermStore(k *Kernel, f *Frame) uint32 {
	uid, ok := permUID(k)
	if !ok {
		return ErrReturn
	}

	appID, ok := k.readUserString(f.Arg(0), 128)
	if !ok {
		return ErrReturn
	}

	k.Perms.Store(uid, appID, caps.Set(uint32(f.Arg(1))))

	return 0
}

func sysPermList(k *Kernel, f *Frame) uint32 {
	uid, ok := permUID(k)
	if !ok {
		return ErrReturn
	}

	appID, ok := k.readUserString(f.Arg(0), 128)
	if !ok {
		return ErrReturn
	}

	return uint32(k.Perms.List(uid, appID))
}

func sysPermDelete(k *Kernel, f *Frame) uint32 {
	uid, ok := permUID(k)
	if !ok {
		return ErrReturn
	}

	appID, ok := k.readUserString(f.Arg(0), 128)
	if !ok {
		return ErrReturn
	}

	k.Perms.Delete(uid, appID)

	return 0
}

func sysPermPendingInfo(k *Kernel, f *Frame) uint32 {
	uid, ok := permUID(k)
	if !ok {
		return ErrReturn
	}

	appID, ok := k.readUserString(f.Arg(0), 128)
	if !ok {
		return ErrReturn
	}

	return uint32(k.Perms.Pending(uid, appID))
}
