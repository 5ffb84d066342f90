package root

import (
	"github.com/spf13/cobra"

	"github.com/openhistorian/storage-core/config"
)

func newInspectCmd() *cobra.Command {
	var pageSize int
	var blockSize int64
	var headerSlots int

	cmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "print the currently published FileHeaderBlock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.PageSize = pageSize
			cfg.FileStructureBlockSize = blockSize
			cfg.HeaderBlockCount = headerSlots

			dm, closeFn, err := openMedium(args[0], cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			h := dm.Header()
			cmd.Printf("blockSize=%d headerBlockCount=%d lastAllocatedBlock=%d snapshotSequenceNumber=%d archiveId=%s committedEnd=%d\n",
				h.BlockSize, h.HeaderBlockCount, h.LastAllocatedBlock, h.SnapshotSequenceNumber, h.ArchiveID, h.CommittedEnd())
			return nil
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 64*1024, "pool/IO page size in bytes")
	cmd.Flags().Int64Var(&blockSize, "block-size", 64*1024, "file structure block size in bytes")
	cmd.Flags().IntVar(&headerSlots, "header-slots", 10, "number of triplicate header slots")
	return cmd
}
