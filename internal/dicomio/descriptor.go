package dicomio

import (
	"bytes"
	"fmt"

	"github.com/caio-sobreiro/dicomnet/dicom"
)

// Descriptor is the typed view the catalog writer reads instead of walking
// a dynamic tag tree. It holds the handful of top-level data elements the
// core actually needs; everything else in the data set is left unparsed.
type Descriptor struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
	Modality          string
	PatientID         string
	PatientName       string
	AccessionNumber   string
	StudyDate         string
	StudyDescription  string
	SeriesNumber      string
	SeriesDescription string
}

var (
	tagStudyInstanceUID  = dicom.Tag{Group: 0x0020, Element: 0x000D}
	tagSeriesInstanceUID = dicom.Tag{Group: 0x0020, Element: 0x000E}
	tagSOPInstanceUID    = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagSOPClassUID       = dicom.Tag{Group: 0x0008, Element: 0x0016}
	tagModality          = dicom.Tag{Group: 0x0008, Element: 0x0060}
	tagPatientID         = dicom.Tag{Group: 0x0010, Element: 0x0020}
	tagPatientName       = dicom.Tag{Group: 0x0010, Element: 0x0010}
	tagAccessionNumber   = dicom.Tag{Group: 0x0008, Element: 0x0050}
	tagStudyDate         = dicom.Tag{Group: 0x0008, Element: 0x0020}
	tagStudyDescription  = dicom.Tag{Group: 0x0008, Element: 0x1030}
	tagSeriesNumber      = dicom.Tag{Group: 0x0020, Element: 0x0011}
	tagSeriesDescription = dicom.Tag{Group: 0x0008, Element: 0x103E}
)

// ParseDescriptor extracts the descriptor tags from stored file bytes. When
// data carries a Part 10 preamble and DICM prefix, the bytes after the
// prefix are handed to dicom.ParseDataset; otherwise fallbackTransferSyntaxUID
// (the transfer syntax negotiated for the association the object arrived on)
// is used to decode the bare data set. In both cases the returned
// Descriptor's TransferSyntaxUID is fallbackTransferSyntaxUID.
func ParseDescriptor(data []byte, fallbackTransferSyntaxUID string) (*Descriptor, error) {
	var (
		ds  *dicom.Dataset
		err error
		ts  = fallbackTransferSyntaxUID
	)

	if len(data) >= PreambleSize+PrefixSize && bytes.Equal(data[PreambleSize:PreambleSize+PrefixSize], Prefix) {
		ds, err = dicom.ParseDataset(data[PreambleSize+PrefixSize:])
	} else {
		ds, err = dicom.ParseDatasetWithTransferSyntax(data, fallbackTransferSyntaxUID)
	}
	if err != nil {
		return nil, fmt.Errorf("dicomio: parse data set: %w", err)
	}

	d := &Descriptor{
		StudyInstanceUID:  ds.GetString(tagStudyInstanceUID),
		SeriesInstanceUID: ds.GetString(tagSeriesInstanceUID),
		SOPInstanceUID:    ds.GetString(tagSOPInstanceUID),
		SOPClassUID:       ds.GetString(tagSOPClassUID),
		TransferSyntaxUID: ts,
		Modality:          ds.GetString(tagModality),
		PatientID:         ds.GetString(tagPatientID),
		PatientName:       ds.GetString(tagPatientName),
		AccessionNumber:   ds.GetString(tagAccessionNumber),
		StudyDate:         ds.GetString(tagStudyDate),
		StudyDescription:  ds.GetString(tagStudyDescription),
		SeriesNumber:      ds.GetString(tagSeriesNumber),
		SeriesDescription: ds.GetString(tagSeriesDescription),
	}
	return d, nil
}

// QuickUIDs performs the minimal extraction the ingestor needs on the hot
// C-STORE path: just enough to name the file on disk and enqueue the
// processing job, without pulling patient/study descriptors. It is the same
// parser as ParseDescriptor — the data set is small and scanning it once
// for three tags or twelve costs about the same — but is kept as a
// distinct entry point so the ingestor's intent (fast path, few fields)
// stays visible at the call site.
func QuickUIDs(data []byte, fallbackTransferSyntaxUID string) (studyInstanceUID, sopInstanceUID, sopClassUID string, err error) {
	d, err := ParseDescriptor(data, fallbackTransferSyntaxUID)
	if err != nil {
		return "", "", "", err
	}
	return d.StudyInstanceUID, d.SOPInstanceUID, d.SOPClassUID, nil
}
