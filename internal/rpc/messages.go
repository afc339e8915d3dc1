package rpc

import (
	"errors"
	"fmt"
	"math/bits"
	"os"

	"github.com/google/uuid"
	"github.com/isseis/go-safe-elevate/internal/elevation"
	"github.com/isseis/go-safe-elevate/internal/status"
)

// ErrHandleMismatch is returned when the attached handles disagree with the
// request's handle mask.
var ErrHandleMismatch = errors.New("rpc: handle count does not match mask")

// Handle mask bits: one per stdio slot for pipes, then one per slot for files.
const (
	maskPipeShift = 0
	maskFileShift = elevation.StdioCount
)

// encodeRequest returns the fields of req and the handles to attach, in mask
// order.
func encodeRequest(req *elevation.Request) ([]Field, []*os.File) {
	var mask uint32
	var files []*os.File
	for i := 0; i < elevation.StdioCount; i++ {
		if req.Pipes[i] != nil {
			mask |= 1 << (maskPipeShift + i)
			files = append(files, req.Pipes[i])
		}
	}
	for i := 0; i < elevation.StdioCount; i++ {
		if req.Files[i] != nil {
			mask |= 1 << (maskFileShift + i)
			files = append(files, req.Files[i])
		}
	}

	id := req.CorrelationID
	fields := []Field{
		U32Field(FieldMode, req.Mode),
		StringField(FieldApplication, req.Application),
		StringField(FieldArgs, req.Args),
		StringField(FieldTargetDir, req.TargetDir),
		StringField(FieldEnvVars, req.EnvVars),
		BytesField(FieldCorrelationID, id[:]),
		U32Field(FieldParentPID, uint32(req.ParentPID())),
		U32Field(FieldHandleMask, mask),
	}
	return fields, files
}

// decodeRequest rebuilds a request. It takes ownership of files only on
// success; the caller closes them otherwise.
func decodeRequest(payload []byte, files []*os.File) (*elevation.Request, int, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return nil, 0, err
	}
	set := indexFields(fields)

	req := &elevation.Request{}
	if req.Mode, err = set.u32(FieldMode); err != nil {
		return nil, 0, err
	}
	if req.Application, err = set.str(FieldApplication, true); err != nil {
		return nil, 0, err
	}
	if req.Args, err = set.str(FieldArgs, false); err != nil {
		return nil, 0, err
	}
	if req.TargetDir, err = set.str(FieldTargetDir, false); err != nil {
		return nil, 0, err
	}
	if req.EnvVars, err = set.str(FieldEnvVars, false); err != nil {
		return nil, 0, err
	}

	idField, err := set.get(FieldCorrelationID, TypeBytes)
	if err != nil {
		return nil, 0, err
	}
	if req.CorrelationID, err = uuid.FromBytes(idField.Value); err != nil {
		return nil, 0, fmt.Errorf("rpc: correlation id: %w", err)
	}

	parentPID, err := set.u32(FieldParentPID)
	if err != nil {
		return nil, 0, err
	}

	mask, err := set.u32(FieldHandleMask)
	if err != nil {
		return nil, 0, err
	}
	if mask>>(2*elevation.StdioCount) != 0 || bits.OnesCount32(mask) != len(files) {
		return nil, 0, fmt.Errorf("%w: mask 0x%02x, %d handles", ErrHandleMismatch, mask, len(files))
	}

	next := 0
	for i := 0; i < elevation.StdioCount; i++ {
		if mask&(1<<(maskPipeShift+i)) != 0 {
			req.Pipes[i] = files[next]
			next++
		}
	}
	for i := 0; i < elevation.StdioCount; i++ {
		if mask&(1<<(maskFileShift+i)) != 0 {
			req.Files[i] = files[next]
			next++
		}
	}

	return req, int(parentPID), nil
}

func encodeReply(st status.Status, childPID int) []Field {
	return []Field{
		U32Field(FieldStatus, uint32(st)),
		U32Field(FieldChildPID, uint32(childPID)),
	}
}

func decodeReply(payload []byte) (status.Status, int, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return 0, 0, err
	}
	set := indexFields(fields)

	st, err := set.u32(FieldStatus)
	if err != nil {
		return 0, 0, err
	}
	pid, err := set.u32(FieldChildPID)
	if err != nil {
		return 0, 0, err
	}
	return status.Status(st), int(pid), nil
}
