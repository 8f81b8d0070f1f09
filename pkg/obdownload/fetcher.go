package obdownload

import (
	"context"

	"github.com/obsync/obsync/pkg/obconnect"
	"github.com/obsync/obsync/pkg/obdisk"
	"github.com/obsync/obsync/pkg/obremote"
	"github.com/obsync/obsync/pkg/obtypes"
)

// Fetcher gives an on-disk object its on-demand byte source: blocked reads
// pull exactly what they need through here. Connectivity failures wait for
// reconnect like every other download.
type fetcher struct {
	remote  obremote.RemoteStorage
	gate    *obconnect.Gate
	objId   obtypes.ObjId
	version obtypes.Version
}

func NewFetcher(remote obremote.RemoteStorage, gate *obconnect.Gate, objId obtypes.ObjId, version obtypes.Version) obdisk.Fetcher {
	return &fetcher{
		remote:  remote,
		gate:    gate,
		objId:   objId,
		version: version,
	}
}

func (f *fetcher) FetchHeader(ctx context.Context) ([]byte, error) {
	for {
		current, err := f.remote.GetCurrentObj(ctx, f.objId, 0)

		switch {
		case err == nil && current.Version != f.version:
			// the server has moved past this version; its header is no
			// longer addressable through the current-object API
			return nil, &obtypes.StorageError{
				Kind:           obtypes.StorageErrVersionMismatch,
				ObjId:          f.objId,
				Version:        f.version,
				CurrentVersion: current.Version,
			}
		case err == nil:
			return current.Header, nil
		case !obtypes.IsConnectivity(err):
			return nil, err
		}

		f.gate.SetOnline(false)

		if err := f.gate.WaitConnected(ctx); err != nil {
			return nil, err
		}
	}
}

func (f *fetcher) FetchSegs(ctx context.Context, chunk obtypes.SegsChunk) ([]byte, error) {
	for {
		data, err := f.remote.GetCurrentObjSegs(ctx, f.objId, f.version, chunk)
		if err == nil {
			return data, nil
		}

		if !obtypes.IsConnectivity(err) {
			return nil, err
		}

		f.gate.SetOnline(false)

		if err := f.gate.WaitConnected(ctx); err != nil {
			return nil, err
		}
	}
}
