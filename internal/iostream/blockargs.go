package iostream

// BlockArguments is the request/response record of spec §3
// "BlockArguments": {Position, IsWriting} in, {FirstPosition,
// FirstPointer, Length, SupportsWriting} out. The returned
// [FirstPosition, FirstPosition+Length) range always contains Position
// and is aligned on the owning stream/file's page size.
type BlockArguments struct {
	Position  int64
	IsWriting bool

	FirstPosition   int64
	FirstPointer    []byte
	Length          int64
	SupportsWriting bool
}
