package storage

import (
	"path"
	"strings"
)

// mimeByExt is a static extension -> MIME type table, grounded on the kind
// of per-extension classification table the teacher's file-type detector
// uses (internal/application/service/knowledge_filetype.go), adapted here
// to MIME types rather than processing strategies.
var mimeByExt = map[string]string{
	"txt":  "text/plain",
	"csv":  "text/csv",
	"html": "text/html",
	"htm":  "text/html",
	"json": "application/json",
	"xml":  "application/xml",
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"odt":  "application/vnd.oasis.opendocument.text",
	"rtf":  "application/rtf",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"ods":  "application/vnd.oasis.opendocument.spreadsheet",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"odp":  "application/vnd.oasis.opendocument.presentation",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"svg":  "image/svg+xml",
	"zip":  "application/zip",
}

const defaultMimetype = "application/octet-stream"

// MimetypeForPath returns the MIME type for p based on its extension,
// falling back to application/octet-stream for unknown or missing
// extensions. Shared by every storage backend.
func MimetypeForPath(p string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if ext == "" {
		return defaultMimetype
	}
	if mt, ok := mimeByExt[ext]; ok {
		return mt
	}
	return defaultMimetype
}
