package root

import (
	"github.com/spf13/cobra"

	"github.com/openhistorian/storage-core/config"
)

func newWriteCmd() *cobra.Command {
	var pageSize int
	var blockSize int64
	var headerSlots int
	var blockType int
	var indexValue uint32
	var data string

	cmd := &cobra.Command{
		Use:   "write <path> <blockIndex>",
		Short: "write a new block and commit it, advancing the snapshot sequence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			blockIndex, err := parseInt64(args[1])
			if err != nil {
				return err
			}

			cfg := config.Default()
			cfg.PageSize = pageSize
			cfg.FileStructureBlockSize = blockSize
			cfg.HeaderBlockCount = headerSlots

			dm, closeFn, err := openMedium(args[0], cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			sess := dm.CreateIoSession(false)
			defer sess.Dispose()

			raw, err := sess.WriteToNewBlock(blockIndex, uint8(blockType), indexValue)
			if err != nil {
				return err
			}
			n := copy(raw, data)
			for i := n; i < len(raw); i++ {
				raw[i] = 0
			}
			sess.Clear()

			newHeader := dm.Header()
			if blockIndex > int64(newHeader.LastAllocatedBlock) {
				newHeader.LastAllocatedBlock = int32(blockIndex)
			}
			newHeader.SnapshotSequenceNumber++
			if err := dm.Commit(newHeader); err != nil {
				return err
			}

			cmd.Printf("wrote block %d (type=%d index=%d), committed at snapshot %d\n", blockIndex, blockType, indexValue, newHeader.SnapshotSequenceNumber)
			return nil
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 64*1024, "pool/IO page size in bytes")
	cmd.Flags().Int64Var(&blockSize, "block-size", 64*1024, "file structure block size in bytes")
	cmd.Flags().IntVar(&headerSlots, "header-slots", 10, "number of triplicate header slots")
	cmd.Flags().IntVar(&blockType, "type", 0, "caller-defined block type byte")
	cmd.Flags().Uint32Var(&indexValue, "index", 0, "caller-defined index value")
	cmd.Flags().StringVar(&data, "data", "", "payload to write into the block")
	return cmd
}
