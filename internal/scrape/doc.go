// Package scrape drives a browser tab over a place page: it reads the place
// summary, opens the reviews list sorted by newest, and harvests every review
// the list reveals while it is scrolled.
package scrape
