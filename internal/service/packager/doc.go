// Package packager builds update artifacts from rootfs images and describes
// existing ones. It backs the `artifact write` and `artifact read` commands.
package packager
