package state

// FileStatus tracks a single camera fragment through the pipeline. A file's
// status only ever advances; the *_failed statuses are retry points for the
// auditor, not rollbacks.
type FileStatus string

const (
	FilePending          FileStatus = "pending"
	FileDownloaded       FileStatus = "downloaded"
	FileDownloadFailed   FileStatus = "download_failed"
	FileConverted        FileStatus = "converted"
	FileConversionFailed FileStatus = "conversion_failed"
	FileSkipped          FileStatus = "skipped"
)

// GroupStatus tracks a whole match directory once its individual fragments
// have been converted. The autocam statuses are applied by the external
// post-processing tool; from this service's point of view they are simply
// the point at which a group becomes eligible for upload.
type GroupStatus string

const (
	GroupNew             GroupStatus = ""
	GroupCombined        GroupStatus = "combined"
	GroupCombineFailed   GroupStatus = "combine_failed"
	GroupTrimmed         GroupStatus = "trimmed"
	GroupTrimFailed      GroupStatus = "trim_failed"
	GroupAutocamComplete GroupStatus = "autocam_complete"
	GroupDavFilesDeleted GroupStatus = "autocam_complete_dav_files_deleted"
)

// UploadEligible reports whether a group in this status is ready to be
// handed to the upload worker.
func (s GroupStatus) UploadEligible() bool {
	return s == GroupAutocamComplete || s == GroupDavFilesDeleted
}
