package obtypes

// NodeInfo is one child entry in a folder. The child's encryption key is
// stored inside the parent (capability-based access) and is never derivable
// from the child's id alone.
type NodeInfo struct {
	Name     string            `json:"name"`
	Key      []byte            `json:"key"`
	ObjId    ObjId             `json:"obj_id"`
	IsFolder bool              `json:"is_folder,omitempty"`
	IsFile   bool              `json:"is_file,omitempty"`
	IsLink   bool              `json:"is_link,omitempty"`
	Attrs    map[string][]byte `json:"attrs,omitempty"` // opaque extended attributes
}

/// FolderInfo is the content of a folder object: child entries keyed by name.
// Name uniqueness is the map key; enforced at mutation time.
type FolderInfo struct {
	Nodes map[string]NodeInfo `json:"nodes"`
}

func NewFolderInfo() *FolderInfo {
	return &FolderInfo{Nodes: map[string]NodeInfo{}}
}

func (f *FolderInfo) Clone() *FolderInfo {
	clone := NewFolderInfo()

	for name, node := range f.Nodes {
		clone.Nodes[name] = node
	}

	return clone
}

// keyed by ObjId; for rename detection across two entry sets
func (f *FolderInfo) ById() map[ObjId]NodeInfo {
	byId := map[ObjId]NodeInfo{}

	for _, node := range f.Nodes {
		byId[node.ObjId] = node
	}

	return byId
}
