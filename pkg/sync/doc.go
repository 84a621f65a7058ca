/*
The sync package implements mpysync's sync algorithm. It mirrors a local
source tree onto a MicroPython device.

Files are compared by content hash against a manifest stored on the device,
so only files that changed since the last sync are uploaded. Remote files that
no longer exist locally are deleted before anything is uploaded, so that a
file that's now uploaded compiled never collides with its stale source.

A failure to upload a single file doesn't stop the sync. The file is left out
of the manifest, so the next sync retries it. The manifest is always written
at the end of a sync.

Build mode runs the same pipeline against a local mirror directory instead of
a device.
*/
package sync
