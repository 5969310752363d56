// Package gpiochip backs a port with lines of a Linux GPIO character device (/dev/gpiochipN),
// by way of mkch's gpio package. It registers the "gpiochip" port scheme on Linux; on other
// platforms the package is empty.
package gpiochip
