// Package models contains the data types shared between the monitor, the store and the API.
package models
