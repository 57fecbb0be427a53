// Package media resolves the song behind a post and downloads it.
//
// A post's media reference is its link or the first media link in its body.
// References resolve as follows:
//   - a song page or any URL carrying a UUID maps to the CDN file for that id
//   - a direct audio URL is used as is
//   - a short link or bare code is looked up through the generation-service
//     API, which may also report the expected size and sha256
//
// Downloader.Process writes at most one file per record id and skips records
// whose file already exists and matches.
package media
