package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/gridfeed/pkg/payload"
	"github.com/go-go-golems/gridfeed/pkg/tablesource"
)

// openInput returns stdin for "" or "-", otherwise the named file.
func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return f, nil
}

func inputArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func newEncodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode [rows.jsonl]",
		Short: "Encode JSONL rows into a base64 columnar payload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatName, _ := cmd.Flags().GetString("format")
			format := payload.Format(formatName)
			if !format.Valid() {
				return errors.Errorf("unknown format %q", formatName)
			}

			in, err := openInput(inputArg(args))
			if err != nil {
				return err
			}
			defer func() { _ = in.Close() }()
			rows, err := tablesource.ReadJSONL(in)
			if err != nil {
				return err
			}

			enc, err := payload.Encode(format, rows, payload.Columns(rows))
			if err != nil {
				return errors.Wrap(err, "encode rows")
			}
			log.Debug().Int("rows", len(rows)).Str("format", string(format)).Int("bytes", len(enc.Data)).Msg("encoded payload")
			return json.NewEncoder(cmd.OutOrStdout()).Encode(enc)
		},
	}
	cmd.Flags().String("format", string(payload.FormatArrowIPC), "columnar format: arrow-ipc or parquet")
	return cmd
}

func newDecodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [payload.json]",
		Short: "Decode a row payload (row array or columnar envelope) into JSONL rows",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(inputArg(args))
			if err != nil {
				return err
			}
			defer func() { _ = in.Close() }()
			raw, err := io.ReadAll(in)
			if err != nil {
				return errors.Wrap(err, "read payload")
			}
			if !payload.IsPayload(json.RawMessage(raw)) {
				return errors.New("input is neither a row array nor a columnar payload")
			}

			dec := payload.NewDecoder(payload.WithLogger(log.Logger))
			rows := dec.Decode(json.RawMessage(raw))
			return tablesource.WriteJSONL(cmd.OutOrStdout(), rows)
		},
	}
}
