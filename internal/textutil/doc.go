// Package textutil provides text normalization shared by series selection
// and case naming.
//
// Folding strips diacritics through golang.org/x/text so that names and
// series descriptions written in Portuguese or Spanish ("fase tardía",
// "JOÃO") match ASCII keywords and produce portable file names.
package textutil
