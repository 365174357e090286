package heap

import (
	"unsafe"
)

// SetAllocationName attaches a name to the live allocation addressed by ptr. The name follows the
// allocation when Resize moves it and is reported in the detailed map and in leak logs. An empty
// name removes any existing name.
func (h *Heap) SetAllocationName(ptr unsafe.Pointer, name string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkLive()
	if err != nil {
		return err
	}

	handle, err := h.handle(ptr)
	if err != nil {
		return err
	}

	// Confirms the handle names a live block
	_, err = h.metadata.AllocationSize(handle)
	if err != nil {
		return err
	}

	if name == "" {
		h.names.Delete(handle)
		return nil
	}

	h.names.Put(handle, name)
	return nil
}

// AllocationName returns the name attached to the live allocation addressed by ptr, or an empty
// string if it has none
func (h *Heap) AllocationName(ptr unsafe.Pointer) (string, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkLive()
	if err != nil {
		return "", err
	}

	handle, err := h.handle(ptr)
	if err != nil {
		return "", err
	}

	_, err = h.metadata.AllocationSize(handle)
	if err != nil {
		return "", err
	}

	name, _ := h.names.Get(handle)
	return name, nil
}
