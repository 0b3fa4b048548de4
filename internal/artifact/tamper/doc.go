// Package tamper produces deliberately broken copies of an artifact: a
// flipped signature byte, a modified payload file or a modified header.
// Every corruption keeps the container well-formed so that the damage is
// only detectable through signatures and checksums.
package tamper
