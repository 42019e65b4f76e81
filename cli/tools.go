package cli

import (
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/xnav-frc/xnav/fieldmap"
	"github.com/xnav-frc/xnav/protoutils"
)

// FieldMapShowAction prints a field map's dimensions and tag table.
func FieldMapShowAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return errors.New("expected exactly one .fmap file")
	}
	fm, err := fieldmap.Load(c.Args().First())
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", fm.String())
	return nil
}

// RecordDumpAction prints each record of a protobuf telemetry recording as one JSON line.
func RecordDumpAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return errors.New("expected exactly one recording file")
	}
	//nolint:gosec
	f, err := os.Open(c.Args().First())
	if err != nil {
		return errors.Wrap(err, "opening recording")
	}
	defer func() {
		//nolint:errcheck
		f.Close()
	}()

	dr := protoutils.NewDelimitedReader(f)
	n := 0
	for msg := range dr.Structs() {
		line, err := protojson.Marshal(msg)
		if err != nil {
			return errors.Wrapf(err, "record %d", n)
		}
		printf(c.App.Writer, "%s", line)
		n++
	}
	if err := dr.Err(); err != nil {
		return errors.Wrapf(err, "reading record %d", n)
	}
	return nil
}
