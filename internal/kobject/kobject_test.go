package kobject

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pincerOS/kernel-sub001/internal/errno"
)

type fakeImpl struct {
	kind   Kind
	closed int
}

func (f *fakeImpl) Kind() Kind { return f.kind }
func (f *fakeImpl) Close() error {
	f.closed++
	return nil
}

func TestObjectRefCountClosesOnLastUnref(t *testing.T) {
	impl := &fakeImpl{kind: KindSemaphore}
	o := New(impl)
	o.Ref()
	require.Equal(t, int64(2), o.RefCount())

	require.False(t, o.Unref())
	require.Equal(t, 0, impl.closed)

	require.True(t, o.Unref())
	require.Equal(t, 1, impl.closed)
}

func TestTableInsertAllocatesLowestFd(t *testing.T) {
	tbl := NewTable()
	fd0 := tbl.Insert(New(&fakeImpl{kind: KindFile}))
	fd1 := tbl.Insert(New(&fakeImpl{kind: KindFile}))
	require.Equal(t, 0, fd0)
	require.Equal(t, 1, fd1)

	require.NoError(t, tbl.Close(fd0))
	fd2 := tbl.Insert(New(&fakeImpl{kind: KindFile}))
	require.Equal(t, 0, fd2, "closing the lowest fd must make it available for reuse")

	fd3 := tbl.Insert(New(&fakeImpl{kind: KindFile}))
	require.Equal(t, 2, fd3)
}

func TestTableGetUnknownFdReturnsEBADF(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Get(99)
	require.ErrorIs(t, err, errno.EBADF)
}

func TestTableDup3SharesUnderlyingObject(t *testing.T) {
	tbl := NewTable()
	impl := &fakeImpl{kind: KindPipeEnd}
	fd := tbl.Insert(New(impl))

	require.NoError(t, tbl.Dup3(fd, 10))
	obj, err := tbl.Get(10)
	require.NoError(t, err)
	require.Equal(t, int64(2), obj.RefCount())

	require.NoError(t, tbl.Close(fd))
	require.Equal(t, 0, impl.closed, "dup'd fd keeps the object alive")
	require.NoError(t, tbl.Close(10))
	require.Equal(t, 1, impl.closed)
}

func TestTableCloseAllUnrefsEverything(t *testing.T) {
	tbl := NewTable()
	impl := &fakeImpl{kind: KindDirectory}
	tbl.Insert(New(impl))
	tbl.CloseAll()
	require.Equal(t, 1, impl.closed)
	require.Equal(t, 0, tbl.Len())
}
