package schema

import (
	"fmt"
	"os"
	"sort"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
)

// Pool is an immutable set of protobuf file descriptors. The serialized
// FileDescriptorSet of the whole pool is computed once at construction.
type Pool struct {
	files   *protoregistry.Files
	encoded []byte
}

// NewPool builds a pool from a FileDescriptorSet. Files keep the order they
// have in the set.
func NewPool(set *descriptorpb.FileDescriptorSet) (*Pool, error) {
	if set == nil {
		set = &descriptorpb.FileDescriptorSet{}
	}
	files, err := protodesc.NewFiles(set)
	if err != nil {
		return nil, fmt.Errorf("build descriptor pool: %w", err)
	}
	encoded, err := proto.MarshalOptions{Deterministic: true}.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor pool: %w", err)
	}
	return &Pool{files: files, encoded: encoded}, nil
}

// LoadPool reads a binary FileDescriptorSet, as produced by
// `protoc --include_imports --descriptor_set_out`.
func LoadPool(path string) (*Pool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor set %s: %w", path, err)
	}
	set := &descriptorpb.FileDescriptorSet{}
	if err := proto.Unmarshal(raw, set); err != nil {
		return nil, fmt.Errorf("decode descriptor set %s: %w", path, err)
	}
	return NewPool(set)
}

// PoolFromRegistry snapshots a file registry, typically
// protoregistry.GlobalFiles, into a pool. Files are ordered by path.
func PoolFromRegistry(registry *protoregistry.Files) (*Pool, error) {
	if registry == nil {
		registry = protoregistry.GlobalFiles
	}
	var fds []*descriptorpb.FileDescriptorProto
	registry.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		fds = append(fds, protodesc.ToFileDescriptorProto(fd))
		return true
	})
	sort.Slice(fds, func(i, j int) bool { return fds[i].GetName() < fds[j].GetName() })
	return NewPool(&descriptorpb.FileDescriptorSet{File: fds})
}

// FindMessage looks up a message by fully-qualified name.
func (p *Pool) FindMessage(name string) (protoreflect.MessageDescriptor, error) {
	desc, err := p.files.FindDescriptorByName(protoreflect.FullName(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrDescriptorNotFound, name)
	}
	md, ok := desc.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a message", errspkg.ErrDescriptorNotFound, name)
	}
	return md, nil
}

// FileDescriptorSet returns a copy of the serialized pool.
func (p *Pool) FileDescriptorSet() []byte {
	out := make([]byte, len(p.encoded))
	copy(out, p.encoded)
	return out
}

// NumFiles reports how many files the pool holds.
func (p *Pool) NumFiles() int {
	return p.files.NumFiles()
}
