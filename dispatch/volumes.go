package dispatch

import (
	"os"
	"strconv"

	"github.com/yandex/porto/internal/cred"
	"github.com/yandex/porto/internal/perr"
	"github.com/yandex/porto/property"
	"github.com/yandex/porto/protocol"
	"github.com/yandex/porto/volume"
)

func (d *Dispatcher) createVolume(req protocol.Request, caller cred.Cred) error {
	v := &volume.Volume{
		Path:    req.VolumePath,
		Backend: volume.Backend(req.Backend),
		Layers:  req.Layers,
		Cred:    caller,
	}
	if storage, ok := req.VolumeProps["storage"]; ok {
		v.StoragePath = storage
	}
	if raw, ok := req.VolumeProps["space_limit"]; ok {
		n, err := property.ParseSize(raw)
		if err != nil {
			return perr.Wrap(perr.InvalidValue, err, "space_limit")
		}
		v.SpaceLimit = n
	}
	if raw, ok := req.VolumeProps["inode_limit"]; ok {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return perr.Wrap(perr.InvalidValue, err, "inode_limit")
		}
		v.InodeLimit = n
	}
	v.Backend = volume.PickBackend(v.Backend, len(v.Layers) > 0, false, v.SpaceLimit > 0)

	if err := d.volumes.Create(v); err != nil {
		return err
	}
	for _, layer := range v.Layers {
		d.layers.Ref(layer)
	}
	if d.store != nil {
		if err := d.store.SaveVolume(v); err != nil {
			d.log.WithError(err).Warn("dispatch: persist new volume record")
		}
	}
	return nil
}

func (d *Dispatcher) destroyVolume(req protocol.Request, caller cred.Cred) error {
	v := d.volumes.Get(req.VolumePath)
	if v == nil {
		return perr.New(perr.VolumeNotFound, "volume %s does not exist", req.VolumePath)
	}
	if err := v.CheckPermission(caller, d.cfg.SuperuserGroups); err != nil {
		return err
	}
	if err := d.volumes.Destroy(v); err != nil {
		return err
	}
	for _, layer := range v.Layers {
		d.layers.Unref(layer)
	}
	if d.store != nil {
		if err := d.store.DeleteVolume(v.ID); err != nil {
			d.log.WithError(err).Warn("dispatch: erase volume record")
		}
	}
	return nil
}

func (d *Dispatcher) linkVolume(req protocol.Request) error {
	v := d.volumes.Get(req.VolumePath)
	if v == nil {
		return perr.New(perr.VolumeNotFound, "volume %s does not exist", req.VolumePath)
	}
	if _, err := d.lookup(req.Name); err != nil {
		return err
	}
	v.LinkContainer(req.Name)
	if d.store != nil {
		if err := d.store.SaveVolume(v); err != nil {
			d.log.WithError(err).Warn("dispatch: persist volume record after link")
		}
	}
	return nil
}

func (d *Dispatcher) unlinkVolume(req protocol.Request) error {
	v := d.volumes.Get(req.VolumePath)
	if v == nil {
		return perr.New(perr.VolumeNotFound, "volume %s does not exist", req.VolumePath)
	}
	lastLink := v.UnlinkContainer(req.Name)
	if lastLink {
		return d.volumes.Destroy(v)
	}
	if d.store != nil {
		if err := d.store.SaveVolume(v); err != nil {
			d.log.WithError(err).Warn("dispatch: persist volume record after unlink")
		}
	}
	return nil
}

func (d *Dispatcher) tuneVolume(req protocol.Request, caller cred.Cred) error {
	v := d.volumes.Get(req.VolumePath)
	if v == nil {
		return perr.New(perr.VolumeNotFound, "volume %s does not exist", req.VolumePath)
	}
	if err := v.CheckPermission(caller, d.cfg.SuperuserGroups); err != nil {
		return err
	}
	spaceLimit, inodeLimit := v.SpaceLimit, v.InodeLimit
	if raw, ok := req.VolumeProps["space_limit"]; ok {
		n, err := property.ParseSize(raw)
		if err != nil {
			return perr.Wrap(perr.InvalidValue, err, "space_limit")
		}
		spaceLimit = n
	}
	if raw, ok := req.VolumeProps["inode_limit"]; ok {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return perr.Wrap(perr.InvalidValue, err, "inode_limit")
		}
		inodeLimit = n
	}
	return d.volumes.Resize(v, spaceLimit, inodeLimit)
}

func (d *Dispatcher) importLayer(req protocol.Request) error {
	if err := volume.ValidateLayerName(req.LayerName); err != nil {
		return err
	}
	f, err := os.Open(req.TarballPath)
	if err != nil {
		return perr.Wrap(perr.InvalidValue, err, "import layer: open tarball")
	}
	defer f.Close()
	return d.layers.Import(req.LayerName, f, req.MergeLayer)
}

func (d *Dispatcher) exportLayer(req protocol.Request) error {
	if _, err := os.Stat(d.layers.Path(req.LayerName)); err != nil {
		return perr.New(perr.LayerNotFound, "layer %s does not exist", req.LayerName)
	}
	return perr.New(perr.NotSupported, "export layer does not repack an existing layer root into a tarball yet")
}

func (d *Dispatcher) removeLayer(req protocol.Request) error {
	return d.layers.Remove(req.LayerName)
}

func (d *Dispatcher) listLayers() protocol.Response {
	names, err := d.layers.List()
	if err != nil {
		return protocol.FromError(err)
	}
	return protocol.Response{Kind: perr.Success, List: names}
}
