// Package s3multipart is the "s3" provider. Each object is an S3 multipart
// upload: Begin creates the upload and presigns an UploadPart URL for every
// block, StageBlock PUTs the block to its URL and keeps the returned ETag as
// the block token, and Commit completes the upload with the ETags in part
// order. The presigned URLs are stored with the file's recovery record so a
// resumed upload continues with the same upload id.
//
// Works against AWS S3 and S3-compatible stores such as MinIO (set Endpoint
// and UsePathStyle).
package s3multipart
