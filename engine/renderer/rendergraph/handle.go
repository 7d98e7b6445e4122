package rendergraph

import "fmt"

type ResourceKind uint8

const (
	ResourceKindAttachment ResourceKind = iota
	ResourceKindStorage
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceKindAttachment:
		return "attachment"
	case ResourceKindStorage:
		return "storage"
	}
	return fmt.Sprintf("ResourceKind(%d)", uint8(k))
}

// Handle identifies one version of a logical resource. ID names the logical
// resource, State counts how many times it has been declared as an output.
// Handles are values: output-declaring calls return a new Handle and leave
// the argument untouched.
type Handle struct {
	ID    uint64
	Kind  ResourceKind
	State uint32
}

// SameVersion reports whether both handles designate the same write of the
// same logical resource.
func (h Handle) SameVersion(o Handle) bool {
	return h.ID == o.ID && h.State == o.State
}

// SameResource reports whether both handles designate the same logical resource.
func (h Handle) SameResource(o Handle) bool {
	return h.ID == o.ID
}

func (h Handle) next() Handle {
	h.State++
	return h
}

// IsValid is false for the zero Handle.
func (h Handle) IsValid() bool {
	return h.ID != 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%s#%016x@%d", h.Kind, h.ID, h.State)
}
