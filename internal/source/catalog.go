// Package source resolves the datasets, base images and segmentations named
// by overlay requests.
package source

import (
	"fmt"
	"image"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tissue-tiles/server/internal/config"
	"github.com/tissue-tiles/server/internal/overlay"
)

// DatasetInfo contains information about a dataset for listings.
type DatasetInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	NumCells int      `json:"n_cells"`
	NumGenes int      `json:"n_genes"`
	Obs      []string `json:"obs"`
}

// Listing is the catalog content.
type Listing struct {
	Title         string        `json:"title"`
	Datasets      []DatasetInfo `json:"datasets"`
	Images        []string      `json:"images"`
	Segmentations []string      `json:"segmentations"`
}

// Catalog opens configured sources on first use. Datasets stay open; decoded
// images and segmentations live in a small LRU since they are large.
type Catalog struct {
	title string
	data  config.DataConfig
	log   logrus.FieldLogger

	mu       sync.Mutex
	datasets map[string]Dataset
	order    []string

	images        *lru.Cache[string, image.Image]
	segmentations *lru.Cache[string, Segmentation]
	pinnedImages  map[string]image.Image
	pinnedSegs    map[string]Segmentation
	loads         singleflight.Group
}

// NewCatalog creates a catalog over the configured sources. cacheEntries
// bounds how many decoded images and segmentations are kept.
func NewCatalog(title string, data config.DataConfig, cacheEntries int, log logrus.FieldLogger) (*Catalog, error) {
	if cacheEntries <= 0 {
		cacheEntries = 4
	}
	images, err := lru.New[string, image.Image](cacheEntries)
	if err != nil {
		return nil, err
	}
	segs, err := lru.New[string, Segmentation](cacheEntries)
	if err != nil {
		return nil, err
	}
	return &Catalog{
		title:         title,
		data:          data,
		log:           log.WithField("component", "catalog"),
		datasets:      make(map[string]Dataset),
		order:         data.Datasets.IDs(),
		images:        images,
		segmentations: segs,
		pinnedImages:  make(map[string]image.Image),
		pinnedSegs:    make(map[string]Segmentation),
	}, nil
}

// AddDataset registers an already opened dataset.
func (c *Catalog) AddDataset(id string, ds Dataset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.datasets[id]; !ok && !c.configured(id) {
		c.order = append(c.order, id)
	}
	c.datasets[id] = ds
}

// AddImage registers an in-memory base image.
func (c *Catalog) AddImage(id string, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinnedImages[id] = img
}

// AddSegmentation registers an in-memory segmentation.
func (c *Catalog) AddSegmentation(id string, seg Segmentation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinnedSegs[id] = seg
}

func (c *Catalog) configured(id string) bool {
	_, ok := c.data.Datasets.Get(id)
	return ok
}

// Dataset returns the dataset registered under id, opening it if needed.
func (c *Catalog) Dataset(id string) (Dataset, error) {
	c.mu.Lock()
	ds, ok := c.datasets[id]
	c.mu.Unlock()
	if ok {
		return ds, nil
	}

	src, ok := c.data.Datasets.Get(id)
	if !ok {
		return nil, fmt.Errorf("dataset %q: %w", id, overlay.ErrNotFound)
	}
	v, err, _ := c.loads.Do("dataset/"+id, func() (interface{}, error) {
		c.mu.Lock()
		if ds, ok := c.datasets[id]; ok {
			c.mu.Unlock()
			return ds, nil
		}
		c.mu.Unlock()

		ds, err := OpenZarrDataset(src.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open dataset %q: %w", id, err)
		}
		c.log.WithFields(logrus.Fields{"dataset": id, "cells": ds.NumCells()}).Info("opened dataset")

		c.mu.Lock()
		c.datasets[id] = ds
		c.mu.Unlock()
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Dataset), nil
}

// Image returns the decoded base image registered under id.
func (c *Catalog) Image(id string) (image.Image, error) {
	c.mu.Lock()
	img, ok := c.pinnedImages[id]
	c.mu.Unlock()
	if ok {
		return img, nil
	}
	if img, ok := c.images.Get(id); ok {
		return img, nil
	}

	src, ok := c.data.Images.Get(id)
	if !ok {
		return nil, fmt.Errorf("image %q: %w", id, overlay.ErrNotFound)
	}
	v, err, _ := c.loads.Do("image/"+id, func() (interface{}, error) {
		img, err := LoadImage(src.Path, src.Format)
		if err != nil {
			return nil, err
		}
		b := img.Bounds()
		c.log.WithFields(logrus.Fields{"image": id, "width": b.Dx(), "height": b.Dy()}).Info("decoded image")
		c.images.Add(id, img)
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}

// Segmentation returns the segmentation registered under id.
func (c *Catalog) Segmentation(id string) (Segmentation, error) {
	c.mu.Lock()
	seg, ok := c.pinnedSegs[id]
	c.mu.Unlock()
	if ok {
		return seg, nil
	}
	if seg, ok := c.segmentations.Get(id); ok {
		return seg, nil
	}

	src, ok := c.data.Segmentations.Get(id)
	if !ok {
		return nil, fmt.Errorf("segmentation %q: %w", id, overlay.ErrNotFound)
	}
	v, err, _ := c.loads.Do("segmentation/"+id, func() (interface{}, error) {
		seg, err := LoadSegmentation(src.Path, src.Format)
		if err != nil {
			return nil, err
		}
		c.log.WithFields(logrus.Fields{"segmentation": id, "regions": seg.NumRegions()}).Info("loaded segmentation")
		c.segmentations.Add(id, seg)
		return seg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Segmentation), nil
}

// Title returns the configured site title.
func (c *Catalog) Title() string {
	if c.title != "" {
		return c.title
	}
	return "Tissue Overlay Tiles"
}

// List returns the catalog content. Datasets that fail to open are listed
// with their id only.
func (c *Catalog) List() Listing {
	c.mu.Lock()
	order := append([]string(nil), c.order...)
	images := mergeIDs(c.data.Images.IDs(), c.pinnedImages)
	segs := mergeIDs(c.data.Segmentations.IDs(), c.pinnedSegs)
	c.mu.Unlock()

	listing := Listing{
		Title:         c.Title(),
		Datasets:      make([]DatasetInfo, 0, len(order)),
		Images:        images,
		Segmentations: segs,
	}
	for _, id := range order {
		info := DatasetInfo{ID: id, Name: id}
		if ds, err := c.Dataset(id); err == nil {
			if ds.Name() != "" {
				info.Name = ds.Name()
			}
			info.NumCells = ds.NumCells()
			info.NumGenes = len(ds.Genes())
			info.Obs = ds.ObsColumns()
		} else {
			c.log.WithError(err).WithField("dataset", id).Warn("failed to open dataset for listing")
		}
		listing.Datasets = append(listing.Datasets, info)
	}
	return listing
}

// Close closes all opened datasets.
func (c *Catalog) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ds := range c.datasets {
		ds.Close()
		delete(c.datasets, id)
	}
}

func mergeIDs[T any](configured []string, pinned map[string]T) []string {
	seen := make(map[string]struct{}, len(configured))
	for _, id := range configured {
		seen[id] = struct{}{}
	}
	extra := make([]string, 0, len(pinned))
	for id := range pinned {
		if _, ok := seen[id]; !ok {
			extra = append(extra, id)
		}
	}
	return append(configured, sortedStrings(extra)...)
}

func sortedStrings(s []string) []string {
	sort.Strings(s)
	return s
}
