/*
Package camera captures frames from a local camera and publishes per-WD
crops to the upstream ingest endpoint.

One capture loop feeds any number of workspace deployments: each frame is
decoded once, cropped to each WD's rectangle, re-encoded as JPEG, and
sent as a CAM_FRAME message. Publishing is gated per WD by a callback the
supervisor provides, so frames only flow for WDs with a READY instance
and the cam add-on.

The default capture backend shells out to ffmpeg reading the V4L2 device
as an MJPEG stream; tests substitute a backend that feeds canned frames.
Transient capture failures are retried with a short backoff; after five
consecutive failures the pipeline reports CameraDown and stops.
*/
package camera
