package cube

// metaJSON is a trimmed /meta response with one model and one view.
const metaJSON = `{
  "cubes": [
    {
      "name": "Orders",
      "title": "Orders",
      "measures": [
        {"name": "Orders.count", "title": "Orders Count", "type": "number", "aggType": "count"},
        {"name": "Orders.totalAmount", "title": "Total Amount", "type": "number", "aggType": "sum"}
      ],
      "dimensions": [
        {"name": "Orders.status", "title": "Status", "type": "string",
         "meta": {"possibleValues": ["completed", "processing", "shipped"],
                  "synonyms": {"completed": ["done", "finished"], "shipped": ["sent"]}}},
        {"name": "Orders.createdAt", "title": "Created at", "type": "time"}
      ],
      "segments": [{"name": "Orders.recent"}]
    },
    {
      "name": "ecom_view",
      "measures": [{"name": "ecom_view.orderCount", "type": "number"}],
      "dimensions": [
        {"name": "ecom_view.productCategory", "type": "string",
         "meta": {"possibleValues": ["Cameras", "Smartphones", "Laptops"], "synonyms": {"phones": "Smartphones"}}},
        {"name": "ecom_view.orderCreatedAt", "type": "time"}
      ]
    }
  ]
}`
