package storage

// CollabRecord stores the durable snapshot of one object.
type CollabRecord struct {
	ObjectID         string `gorm:"column:object_id;primaryKey;size:190;not null"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null;index:idx_collab_records_workspace"`
	OwnerUID         int64  `gorm:"column:owner_uid;not null;index:idx_collab_records_owner"`
	CollabType       int32  `gorm:"column:collab_type;not null"`
	DocState         []byte `gorm:"column:doc_state;not null"`
	StateVector      []byte `gorm:"column:state_vector;not null"`
	EncodingVersion  uint32 `gorm:"column:encoding_version;not null"`
	SizeBytes        int64  `gorm:"column:size_bytes;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CollabRecord) TableName() string {
	return "collab_records"
}
