package models

// ImageRef identifies a single retrievable image within a study
type ImageRef struct {
	SeriesUID      string `json:"series_uid"`
	SOPInstanceUID string `json:"sop_instance_uid"`
	InstanceNumber int    `json:"instance_number"`
}

// StudyMetadata holds everything needed to name and build a bundle.
// Produced per build by the resolver; never persisted.
type StudyMetadata struct {
	StudyUID  string     `json:"study_uid"`
	StudyDate string     `json:"study_date"` // DICOM DA format, YYYYMMDD
	Images    []ImageRef `json:"images"`
}
