package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pincerOS/kernel-sub001/internal/except"
	"github.com/pincerOS/kernel-sub001/internal/kpage"
)

func newTestManager(t *testing.T) (*Manager, *Table) {
	t.Helper()
	frames := kpage.New(0, 4096, nil)
	cpu := &except.HostCPUContext{}
	m := NewManager(frames, cpu)
	_, top := m.AllocTopPageTable()
	return m, top
}

func TestSetThenGetTranslationDescriptorRoundTrips(t *testing.T) {
	m, top := newTestManager(t)
	const vaddr = 0x0000_0040_0000_1000

	leaf := NewLeafDescriptor(0x2000, SizePage, PermFlags{User: true, Executable: true})
	require.NoError(t, m.SetTranslationDescriptor(top, vaddr, numLevels-1, leaf, true))

	got, err := m.GetTranslationDescriptor(top, vaddr, numLevels-1)
	require.NoError(t, err)
	require.Equal(t, leaf, got)
}

func TestUserLeafInvariants(t *testing.T) {
	leaf := NewLeafDescriptor(0x3000, SizePage, PermFlags{User: true, Executable: true})
	require.True(t, leaf.IsUnprivilegedAccess())
	require.True(t, leaf.IsNotGlobal())
	require.True(t, leaf.IsValid())
}

func TestKernelLeafIsGlobal(t *testing.T) {
	leaf := NewLeafDescriptor(0x4000, SizePage, PermFlags{User: false, Executable: true})
	require.True(t, leaf.IsGlobal())
	require.False(t, leaf.IsUnprivilegedAccess())
}

func TestUserLeafClearsUXNEvenWhenNonExecutable(t *testing.T) {
	leaf := NewLeafDescriptor(0x4000, SizePage, PermFlags{User: true, Executable: false})
	require.Zero(t, leaf&descUXN, "user entries clear UXN per spec.md §3 invariant (ii), regardless of Executable")
}

func TestKernelLeafSetsPXNWhenNonExecutable(t *testing.T) {
	leaf := NewLeafDescriptor(0x4000, SizePage, PermFlags{User: false, Executable: false})
	require.NotZero(t, leaf&descPXN)
}

func TestPhysicalAddrResolvesMappedPage(t *testing.T) {
	m, top := newTestManager(t)
	const vaddr = 0x0000_0080_0000_2000
	const paddr = 0x5000

	leaf := NewLeafDescriptor(paddr, SizePage, PermFlags{User: true})
	require.NoError(t, m.SetTranslationDescriptor(top, vaddr, numLevels-1, leaf, true))

	got, ok := m.PhysicalAddr(top, vaddr)
	require.True(t, ok)
	require.Equal(t, uint64(paddr), got)
}

func TestPhysicalAddrUnmappedFails(t *testing.T) {
	m, top := newTestManager(t)
	_, ok := m.PhysicalAddr(top, 0x1234000)
	require.False(t, ok)
}

func TestGetTranslationDescriptorDetectsHugePage(t *testing.T) {
	m, top := newTestManager(t)
	const vaddr = 0x0000_0100_0000_0000

	block := Descriptor(0x6000) | 1 /* valid */ // block descriptor: descTable bit clear
	idx := levelIndex(vaddr, numLevels-2)
	// Install the block descriptor directly at an intermediate level to
	// simulate a pre-existing huge page, then attempt to walk past it.
	cur := top
	for l := 0; l < numLevels-2; l++ {
		i := levelIndex(vaddr, l)
		childPAddr, child := m.AllocTopPageTable()
		cur.Entries[i] = NewTableDescriptor(childPAddr)
		cur = child
	}
	cur.Entries[idx] = block

	_, err := m.GetTranslationDescriptor(top, vaddr, numLevels-1)
	require.ErrorIs(t, err, ErrHugePagePresent)
}

func TestSwitchAddressSpaceInvalidatesTLB(t *testing.T) {
	frames := kpage.New(0, 16, nil)
	cpu := &except.HostCPUContext{}
	m := NewManager(frames, cpu)
	m.SwitchAddressSpace(0x9000)
	require.Equal(t, uint64(0x9000), cpu.CurrentTTBR0)
	require.Equal(t, 1, cpu.TLBInvalidate)
}
