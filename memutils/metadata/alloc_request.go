package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where
// the metadata intends to place new memory. No block in use changes until it is committed with
// BlockMetadata.Alloc, which must happen before any other call mutates the metadata. Free blocks may
// already have been merged while the request was created, depending on the CoalescePolicy.
type AllocationRequest struct {
	// BlockAllocationHandle is the handle the allocation will have once committed; it names the free
	// block chosen by the first-fit scan
	BlockAllocationHandle BlockAllocationHandle
	// Size is the number of payload bytes that were requested
	Size int
	// BlockSize is the total size of the block record that will be carved from the free block,
	// including its header, alignment padding and any debug margin
	BlockSize int
}
