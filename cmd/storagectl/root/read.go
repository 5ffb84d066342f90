package root

import (
	"encoding/hex"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openhistorian/storage-core/config"
)

func parseInt64(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

func newReadCmd() *cobra.Command {
	var pageSize int
	var blockSize int64
	var headerSlots int
	var blockType int
	var indexValue uint32

	cmd := &cobra.Command{
		Use:   "read <path> <blockIndex>",
		Short: "read a committed block and print its payload as hex",
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

			sess := dm.CreateIoSession(true)
			defer sess.Dispose()

			raw, err := sess.Read(blockIndex, uint8(blockType), indexValue)
			if err != nil {
				return err
			}
			cmd.Println(hex.EncodeToString(raw))
			return nil
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 64*1024, "pool/IO page size in bytes")
	cmd.Flags().Int64Var(&blockSize, "block-size", 64*1024, "file structure block size in bytes")
	cmd.Flags().IntVar(&headerSlots, "header-slots", 10, "number of triplicate header slots")
	cmd.Flags().IntVar(&blockType, "type", 0, "expected block type byte")
	cmd.Flags().Uint32Var(&indexValue, "index", 0, "expected index value")
	return cmd
}
